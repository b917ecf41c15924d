package browser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Page-side helpers. Each is an arrow function taking a CSS selector so both
// drivers can call them: rod passes arguments natively, chromedp inlines them.
const (
	boxJS = `(sel) => {
		const el = document.querySelector(sel);
		if (!el) return null;
		const r = el.getBoundingClientRect();
		return {x: r.left, y: r.top, width: r.width, height: r.height};
	}`

	clickJS = `(sel) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		el.click();
		return true;
	}`

	hasJS = `(sel) => document.querySelector(sel) !== null`

	attributeJS = `(sel, name) => {
		const el = document.querySelector(sel);
		if (!el) return null;
		const v = el.getAttribute(name);
		return v === null ? "" : v;
	}`

	textJS = `(sel) => {
		const el = document.querySelector(sel);
		if (!el) return null;
		return (el.innerText || el.textContent || "").trim();
	}`

	setValueJS = `(sel, value) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		el.focus();
		el.value = value;
		el.dispatchEvent(new Event('input', {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	}`
)

// invocation renders fn applied to JSON-encoded args as a single expression.
func invocation(fn string, args ...interface{}) (string, error) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("encode script argument: %w", err)
		}
		parts = append(parts, string(b))
	}
	return fmt.Sprintf("(%s)(%s)", fn, strings.Join(parts, ", ")), nil
}

// asFunction wraps a statement block so it can be passed where a function is expected.
func asFunction(script string) string {
	trimmed := strings.TrimSpace(script)
	if strings.HasPrefix(trimmed, "(") || strings.HasPrefix(trimmed, "function") {
		return trimmed
	}
	return "() => {\n" + trimmed + "\n}"
}
