//go:build !no_automation

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// SystemConfig configures the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // absolute paths scripts may execute
	ExecTimeout   time.Duration // timeout per exec call
}

// TelegramConfig configures the telegram Lua module.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
}

const (
	defaultExecTimeout = 10 * time.Second
	maxExecOutput      = 64 << 10 // stdout cap per exec call
)

// systemModule backs the `system` table of one script VM. The script name
// rides along on every log line so output from concurrent scripts stays
// attributable.
type systemModule struct {
	e      *Engine
	script string
}

func registerSystemModule(L *lua.LState, e *Engine, script string) {
	m := &systemModule{e: e, script: script}
	tbl := L.NewTable()
	L.SetFuncs(tbl, map[string]lua.LGFunction{
		"datetime":     m.datetime,
		"time_between": m.timeBetween,
		"log":          m.log,
		"exec":         m.exec,
	})
	L.SetGlobal("system", tbl)
}

// system.datetime(component) returns one component of the current time.
func (m *systemModule) datetime(L *lua.LState) int {
	now := time.Now()
	switch component := L.CheckString(1); component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from_hour, to_hour) reports whether the current hour
// falls in [from, to). A from greater than to wraps past midnight.
func (m *systemModule) timeBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := time.Now().Hour()

	in := hour >= from && hour < to
	if from > to {
		in = hour >= from || hour < to
	}
	L.Push(lua.LBool(in))
	return 1
}

// system.log(level, msg)
func (m *systemModule) log(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		m.e.logger.Debug("script log", "script", m.script, "msg", msg)
	case "warn":
		m.e.logger.Warn("script log", "script", m.script, "msg", msg)
	case "error":
		m.e.logger.Error("script log", "script", m.script, "msg", msg)
	default:
		m.e.logger.Info("script log", "script", m.script, "msg", msg)
	}
	return 0
}

// system.exec(cmd) runs an allowlisted command and returns its stdout, or an
// empty string when the command is blocked or fails.
func (m *systemModule) exec(L *lua.LState) int {
	parts := strings.Fields(L.CheckString(1))
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	binary := parts[0]
	if !m.execAllowed(binary) {
		L.Push(lua.LString(""))
		return 1
	}

	timeout := m.e.systemCfg.ExecTimeout
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stdout, err := exec.CommandContext(ctx, binary, parts[1:]...).Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			m.e.logger.Warn("exec timeout", "script", m.script, "cmd", binary, "timeout", timeout)
		} else {
			m.e.logger.Warn("exec failed", "script", m.script, "cmd", binary, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}
	if len(stdout) > maxExecOutput {
		stdout = stdout[:maxExecOutput]
	}
	L.Push(lua.LString(string(stdout)))
	return 1
}

// execAllowed requires an absolute path present in the allowlist.
func (m *systemModule) execAllowed(binary string) bool {
	if !filepath.IsAbs(binary) {
		m.e.logger.Warn("exec blocked: not an absolute path", "script", m.script, "cmd", binary)
		return false
	}
	for _, a := range m.e.systemCfg.ExecAllowlist {
		if a == binary {
			return true
		}
	}
	m.e.logger.Warn("exec blocked: not in allowlist", "script", m.script, "cmd", binary)
	return false
}

// telegramModule backs the `telegram` table of one script VM.
type telegramModule struct {
	e      *Engine
	script string
}

func registerTelegramModule(L *lua.LState, e *Engine, script string) {
	m := &telegramModule{e: e, script: script}
	tbl := L.NewTable()
	L.SetFuncs(tbl, map[string]lua.LGFunction{
		"send": m.send,
	})
	L.SetGlobal("telegram", tbl)
}

// telegram.send(msg) delivers msg to every configured chat, asynchronously.
func (m *telegramModule) send(L *lua.LState) int {
	msg := L.CheckString(1)

	cfg := m.e.telegramCfg
	if cfg.BotToken == "" || len(cfg.ChatIDs) == 0 {
		m.e.logger.Warn("telegram.send: bot not configured", "script", m.script)
		return 0
	}

	for _, chatID := range cfg.ChatIDs {
		go m.deliver(chatID, msg)
	}
	return 0
}

func (m *telegramModule) deliver(chatID, msg string) {
	body, err := json.Marshal(map[string]string{"chat_id": chatID, "text": msg})
	if err != nil {
		return
	}

	url := "https://api.telegram.org/bot" + m.e.telegramCfg.BotToken + "/sendMessage"
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		m.e.logger.Error("telegram send", "script", m.script, "chat_id", chatID, "err", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.e.logger.Warn("telegram send non-200", "script", m.script, "chat_id", chatID, "status", resp.StatusCode)
	}
}
