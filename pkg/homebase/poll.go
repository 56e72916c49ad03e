package homebase

import (
	"context"
	"strconv"
	"strings"
)

// pollProbes are the remote device-state reads issued on every poll
// tick. Results become synthetic status entries; failures are
// swallowed so a sick device cannot spam the status stream.
var pollProbes = []struct {
	script    string
	source    string
	typ       string
	normalize func(string) (string, bool)
}{
	{script: "pump_voltage", source: "system", typ: "24v-v", normalize: normalizePollNumber},
	{script: "charging", source: "system", typ: "charging", normalize: normalizePollFlag},
}

// pollDeviceState fires the probe evals through the normal request
// path. The evals run off-loop; the sink is safe for that.
func (l *Link) pollDeviceState() {
	if l.State() != StateOpen {
		return
	}
	for _, p := range pollProbes {
		p := p
		go func() {
			value, err := l.Eval(context.Background(), p.script)
			if err != nil {
				l.log.Debugf("poll %s: %v", p.script, err)
				return
			}
			v, ok := p.normalize(value)
			if !ok {
				l.log.Debugf("poll %s: unusable result %q", p.script, value)
				return
			}
			l.sink.ApplyDatapoint(l.addr, p.source, p.typ, v)
		}()
	}
}

// normalizePollNumber accepts anything that parses as a number and
// returns its canonical decimal form.
func normalizePollNumber(s string) (string, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

// normalizePollFlag accepts boolean literals or numbers. Booleans pass
// through lowercased; numbers are canonicalized.
func normalizePollFlag(s string) (string, bool) {
	t := strings.TrimSpace(s)
	switch strings.ToLower(t) {
	case "true":
		return "true", true
	case "false":
		return "false", true
	}
	return normalizePollNumber(t)
}
