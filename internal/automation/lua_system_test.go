//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine() *Engine {
	return &Engine{
		logger:      testLogger(),
		systemCfg:   SystemConfig{},
		telegramCfg: TelegramConfig{},
	}
}

// newSystemState returns a Lua state with the system module registered under
// the given engine config.
func newSystemState(t *testing.T, cfg SystemConfig) *lua.LState {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)

	e := newTestEngine()
	e.systemCfg = cfg
	registerSystemModule(L, e, "test")
	return L
}

func TestSystemDatetimeComponentTypes(t *testing.T) {
	L := newSystemState(t, SystemConfig{})

	wantType := map[string]lua.LValueType{
		"hour":      lua.LTNumber,
		"minute":    lua.LTNumber,
		"second":    lua.LTNumber,
		"weekday":   lua.LTNumber,
		"day":       lua.LTNumber,
		"month":     lua.LTNumber,
		"year":      lua.LTNumber,
		"timestamp": lua.LTNumber,
		"time_str":  lua.LTString,
		"date_str":  lua.LTString,
	}
	for comp, want := range wantType {
		L.SetGlobal("_comp", lua.LString(comp))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q) error: %v", comp, err)
		}
		if got := L.GetGlobal("_result").Type(); got != want {
			t.Errorf("system.datetime(%q) type = %v, want %v", comp, got, want)
		}
	}
}

func TestSystemDatetimeUnknownComponent(t *testing.T) {
	L := newSystemState(t, SystemConfig{})

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestSystemDatetimeHourRange(t *testing.T) {
	L := newSystemState(t, SystemConfig{})

	if err := L.DoString(`_hour = system.datetime("hour")`); err != nil {
		t.Fatal(err)
	}
	hour := int(L.GetGlobal("_hour").(lua.LNumber))
	if hour < 0 || hour > 23 {
		t.Errorf("hour = %d, want 0-23", hour)
	}
}

func wrapHour(h int) int {
	return ((h % 24) + 24) % 24
}

func timeBetween(t *testing.T, L *lua.LState, from, to int) bool {
	t.Helper()
	L.SetGlobal("_from", lua.LNumber(from))
	L.SetGlobal("_to", lua.LNumber(to))
	if err := L.DoString(`_result = system.time_between(_from, _to)`); err != nil {
		t.Fatal(err)
	}
	return L.GetGlobal("_result") == lua.LTrue
}

func TestSystemTimeBetween(t *testing.T) {
	L := newSystemState(t, SystemConfig{})
	hour := time.Now().Hour()

	// Current hour at the start of a normal range.
	if !timeBetween(t, L, hour, wrapHour(hour+1)) {
		t.Errorf("time_between(%d, %d) at hour %d = false, want true", hour, wrapHour(hour+1), hour)
	}

	// Midnight-wrapping range opening four hours back and closing eight
	// hours back still contains the current hour.
	from, to := wrapHour(hour-4), wrapHour(hour-8)
	if !timeBetween(t, L, from, to) {
		t.Errorf("time_between(%d, %d) at hour %d = false, want true (midnight wrap)", from, to, hour)
	}

	// A one-hour window starting two hours from now excludes the current
	// hour whether or not it wraps.
	from, to = wrapHour(hour+2), wrapHour(hour+3)
	if timeBetween(t, L, from, to) {
		t.Errorf("time_between(%d, %d) at hour %d = true, want false", from, to, hour)
	}
}

func TestSystemExecBlocked(t *testing.T) {
	cases := []struct {
		name string
		cfg  SystemConfig
		cmd  string
	}{
		{"empty allowlist", SystemConfig{}, "/bin/ls"},
		{"relative path", SystemConfig{ExecAllowlist: []string{"/bin/ls"}}, "ls"},
		{"not in allowlist", SystemConfig{ExecAllowlist: []string{"/usr/bin/echo"}}, "/usr/bin/ls"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			L := newSystemState(t, tc.cfg)
			L.SetGlobal("_cmd", lua.LString(tc.cmd))
			if err := L.DoString(`_result = system.exec(_cmd)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_result"); got != lua.LString("") {
				t.Errorf("exec(%q) = %q, want empty string", tc.cmd, got)
			}
		})
	}
}

func TestSystemExecEmptyCommand(t *testing.T) {
	L := newSystemState(t, SystemConfig{})

	if err := L.DoString(`system.exec("")`); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestSystemExecAllowed(t *testing.T) {
	L := newSystemState(t, SystemConfig{
		ExecAllowlist: []string{"/bin/echo"},
		ExecTimeout:   5 * time.Second,
	})

	if err := L.DoString(`_result = system.exec("/bin/echo hello")`); err != nil {
		t.Fatal(err)
	}
	got, ok := L.GetGlobal("_result").(lua.LString)
	if !ok {
		t.Fatalf("exec returned type %v, want LTString", L.GetGlobal("_result").Type())
	}
	if strings.TrimSpace(string(got)) != "hello" {
		t.Errorf("exec returned %q, want %q", string(got), "hello\n")
	}
}

func TestTelegramSendUnconfigured(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	registerTelegramModule(L, newTestEngine(), "test")

	// Must not panic or block with an empty config.
	if err := L.DoString(`telegram.send("test")`); err != nil {
		t.Fatal(err)
	}
}
