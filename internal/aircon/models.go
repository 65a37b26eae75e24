package aircon

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnsupportedModel is returned by New for models outside both families.
var ErrUnsupportedModel = errors.New("unsupported model")

type family int

const (
	familyM1 family = iota + 1
	familyC1
)

var modelFamilies = map[string]family{
	"zhimi.aircondition.sa1": familyM1,
	"zhimi.aircondition.ma1": familyM1,
	"zhimi.aircondition.ma2": familyM1,
	"zhimi.aircondition.ma3": familyM1,
	"zhimi.aircondition.ma4": familyM1,
	"zhimi.aircondition.va1": familyM1,
	"zhimi.aircondition.za1": familyM1,
	"zhimi.aircondition.za2": familyM1,

	"xiaomi.aircondition.ma2": familyC1,
}

// Supported reports whether a model string maps to a known family.
func Supported(model string) bool {
	_, ok := modelFamilies[model]
	return ok
}

// Models returns the supported model identifiers, sorted.
func Models() []string {
	out := make([]string, 0, len(modelFamilies))
	for m := range modelFamilies {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// New builds the client matching the model reported by miIO.info.
func New(model string, c Caller) (Client, error) {
	switch modelFamilies[model] {
	case familyM1:
		return newM1(model, c), nil
	case familyC1:
		return newC1(model, c), nil
	}
	return nil, fmt.Errorf("aircon: %w %q", ErrUnsupportedModel, model)
}
