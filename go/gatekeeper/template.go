package gatekeeper

import "strings"

// renderTemplate substitutes %(key)s placeholders from vars. Unknown keys
// render as the empty string and %% renders as a literal percent; any other
// malformed placeholder is passed through unchanged.
func renderTemplate(tmpl string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		if c != '%' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(tmpl) && tmpl[i+1] == '%' {
			b.WriteByte('%')
			i += 2
			continue
		}
		if i+1 < len(tmpl) && tmpl[i+1] == '(' {
			if end := strings.Index(tmpl[i+2:], ")s"); end >= 0 {
				key := tmpl[i+2 : i+2+end]
				b.WriteString(vars[key])
				i += 2 + end + 2
				continue
			}
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}
