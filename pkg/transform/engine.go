package transform

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/nmxmxh/tuskdrift/pkg/span"
)

// Engine holds a compiled rule set. The set is immutable after construction;
// Apply runs rules in declaration order.
type Engine struct {
	rules []compiledRule
	log   *zap.Logger
}

// NewEngine compiles rules. An invalid pattern is fatal here, not at apply
// time.
func NewEngine(rules []Rule, log *zap.Logger) (*Engine, error) {
	compiled, err := compile(rules)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{rules: compiled, log: log.With(zap.String("module", "transform"))}, nil
}

// Apply edits the span snapshot in place and appends transform metadata for
// every action taken. A span no rule matches is left untouched.
func (e *Engine) Apply(d *span.Data) {
	if e == nil || len(e.rules) == 0 {
		return
	}
	for i := range e.rules {
		r := &e.rules[i]
		if !e.matches(r, d) {
			continue
		}
		if r.Action == ActionDrop {
			d.Input = span.Value{}
			d.Output = span.Value{}
			d.Actions = append(d.Actions, span.Action{Type: string(ActionDrop), Field: "span"})
			return
		}
		e.applyRule(r, d)
	}
}

// ShouldDropInboundRequest lets callers skip span creation entirely for
// requests a drop rule would blank anyway.
func (e *Engine) ShouldDropInboundRequest(method, rawURL string, headers map[string]string) bool {
	if e == nil {
		return false
	}
	for i := range e.rules {
		r := &e.rules[i]
		if r.Action != ActionDrop || r.Direction != DirectionInbound {
			continue
		}
		if !r.methodMatches(method) {
			continue
		}
		if r.pathRe != nil && !r.pathRe.MatchString(pathOf(rawURL)) {
			continue
		}
		if r.hostRe != nil {
			host, ok := hostOf(rawURL)
			if !ok || !r.hostRe.MatchString(host) {
				continue
			}
		}
		_ = headers
		return true
	}
	return false
}

func (e *Engine) matches(r *compiledRule, d *span.Data) bool {
	switch r.Direction {
	case DirectionInbound:
		if d.Kind != span.KindServer {
			return false
		}
	case DirectionOutbound:
		if d.Kind != span.KindClient {
			return false
		}
	}

	method, _ := d.Input["method"].(string)
	if !r.methodMatches(method) {
		return false
	}

	if r.pathRe != nil && !r.pathRe.MatchString(spanPath(d)) {
		return false
	}

	if r.hostRe != nil {
		host, ok := spanHost(d)
		if !ok || !r.hostRe.MatchString(host) {
			return false
		}
	}
	return true
}

func (r *compiledRule) methodMatches(method string) bool {
	if len(r.methods) == 0 {
		return true
	}
	_, ok := r.methods[strings.ToUpper(method)]
	return ok
}

func (e *Engine) applyRule(r *compiledRule, d *span.Data) {
	switch {
	case r.HeaderName != "":
		changed := rewriteHeaders(d.Input, r)
		changed = rewriteHeaders(d.Output, r) || changed
		if changed {
			e.note(d, r, "header:"+strings.ToLower(r.HeaderName))
		}
	case r.JSONPath != "":
		changed := e.rewriteBody(d.Input, r)
		changed = e.rewriteBody(d.Output, r) || changed
		if changed {
			e.note(d, r, "jsonPath:"+r.JSONPath)
		}
	case r.QueryParam != "":
		if rewriteQueryParam(d.Input, r) {
			e.note(d, r, "queryParam:"+r.QueryParam)
		}
	case r.URLPath:
		if rewriteURLPath(d.Input, r) {
			e.note(d, r, "urlPath")
		}
	case r.FullBody:
		changed := replaceFullBody(d.Input, r)
		changed = replaceFullBody(d.Output, r) || changed
		if changed {
			e.note(d, r, "body")
		}
	}
}

func (e *Engine) note(d *span.Data, r *compiledRule, field string) {
	d.Actions = append(d.Actions, span.Action{Type: string(r.Action), Field: field})
}

// transformed applies the rule's action to one scalar value. Presence is
// preserved: the field keeps existing with a new value.
func transformed(r *compiledRule, original string) string {
	switch r.Action {
	case ActionRedact:
		sum := sha256.Sum256([]byte(original))
		return r.HashPrefix + hex.EncodeToString(sum[:])[:12] + "..."
	case ActionMask:
		mask := r.MaskChar
		if mask == "" {
			mask = "*"
		}
		return strings.Repeat(mask, len([]rune(original)))
	case ActionReplace:
		return r.Replacement
	}
	return original
}

func rewriteHeaders(v span.Value, r *compiledRule) bool {
	if v == nil {
		return false
	}
	headers, ok := v["headers"].(map[string]string)
	if !ok {
		return false
	}
	changed := false
	for name, val := range headers {
		if strings.EqualFold(name, r.HeaderName) {
			headers[name] = transformed(r, val)
			changed = true
		}
	}
	return changed
}

// rewriteBody edits a JSON body in place. Stored bodies are base64; the body
// is decoded, edited, and re-encoded so binary safety survives the edit.
func (e *Engine) rewriteBody(v span.Value, r *compiledRule) bool {
	if v == nil {
		return false
	}
	body, ok := v["body"].(string)
	if !ok || body == "" {
		return false
	}

	decoded, wasB64 := decodeBody(body)
	if !gjson.ValidBytes(decoded) {
		return false
	}

	path := strings.TrimPrefix(r.JSONPath, "$.")
	res := gjson.GetBytes(decoded, path)
	if !res.Exists() {
		return false
	}

	edited, err := sjson.SetBytes(decoded, path, transformed(r, res.String()))
	if err != nil {
		e.log.Warn("body edit failed", zap.String("path", r.JSONPath), zap.Error(err))
		return false
	}
	v["body"] = encodeBody(edited, wasB64)
	return true
}

func replaceFullBody(v span.Value, r *compiledRule) bool {
	if v == nil {
		return false
	}
	body, ok := v["body"].(string)
	if !ok || body == "" {
		return false
	}
	decoded, wasB64 := decodeBody(body)
	v["body"] = encodeBody([]byte(transformed(r, string(decoded))), wasB64)
	return true
}

func rewriteQueryParam(v span.Value, r *compiledRule) bool {
	if v == nil {
		return false
	}
	for _, key := range []string{"path", "url", "target"} {
		raw, ok := v[key].(string)
		if !ok || raw == "" {
			continue
		}
		idx := strings.IndexByte(raw, '?')
		if idx < 0 {
			continue
		}
		query, err := url.ParseQuery(raw[idx+1:])
		if err != nil {
			continue
		}
		vals, ok := query[r.QueryParam]
		if !ok {
			continue
		}
		for i, val := range vals {
			vals[i] = transformed(r, val)
		}
		query[r.QueryParam] = vals
		v[key] = raw[:idx] + "?" + query.Encode()
		return true
	}
	return false
}

func rewriteURLPath(v span.Value, r *compiledRule) bool {
	if v == nil {
		return false
	}
	for _, key := range []string{"path", "url", "target"} {
		raw, ok := v[key].(string)
		if !ok || raw == "" {
			continue
		}
		path := raw
		var suffix string
		if idx := strings.IndexByte(raw, '?'); idx >= 0 {
			path, suffix = raw[:idx], raw[idx:]
		}
		if u, err := url.Parse(path); err == nil && u.Host != "" {
			u.Path = transformed(r, u.Path)
			v[key] = u.String() + suffix
		} else {
			v[key] = transformed(r, path) + suffix
		}
		return true
	}
	return false
}

func decodeBody(body string) ([]byte, bool) {
	if decoded, err := base64.StdEncoding.DecodeString(body); err == nil {
		return decoded, true
	}
	return []byte(body), false
}

func encodeBody(body []byte, asB64 bool) string {
	if asB64 {
		return base64.StdEncoding.EncodeToString(body)
	}
	return string(body)
}

func spanPath(d *span.Data) string {
	for _, key := range []string{"path", "target", "url"} {
		if s, ok := d.Input[key].(string); ok && s != "" {
			return pathOf(s)
		}
	}
	return ""
}

// spanHost extracts the host for matching. Malformed URLs silently fail the
// match, never the request.
func spanHost(d *span.Data) (string, bool) {
	if s, ok := d.Input["hostname"].(string); ok && s != "" {
		return s, true
	}
	if s, ok := d.Input["url"].(string); ok && s != "" {
		return hostOf(s)
	}
	return "", false
}

func pathOf(raw string) string {
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		raw = raw[:idx]
	}
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return u.Path
	}
	return raw
}

func hostOf(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	return u.Hostname(), true
}
