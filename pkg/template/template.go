// Package template expands Go templates in configuration values and command output
package template

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"reflect"
	"strings"
	gotemplate "text/template"
)

var tmplFuncs = gotemplate.FuncMap{
	"default": func(def, orig interface{}) interface{} {
		if orig == nil || reflect.ValueOf(orig).IsZero() {
			return def
		}
		return orig
	},
	"env": os.Getenv,
	"file": func(filename string) string {
		b, err := os.ReadFile(filename)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	},
	"join": strings.Join,
	"json": func(v interface{}) string {
		return encodeJSON(v, "")
	},
	"jsonPretty": func(v interface{}) string {
		return encodeJSON(v, "  ")
	},
	"lower":   strings.ToLower,
	"replace": strings.ReplaceAll,
	"split":   strings.Split,
	"time":    func() *TimeFuncs { return &TimeFuncs{} },
	"trim":    strings.TrimSpace,
	"upper":   strings.ToUpper,
}

// Opt allows options to be passed to templating functions
type Opt func(*gotemplate.Template) (*gotemplate.Template, error)

// Writer outputs a template to an io.Writer
func Writer(out io.Writer, tmpl string, data interface{}, opts ...Opt) error {
	var err error
	t := gotemplate.New("out").Funcs(tmplFuncs)
	for _, opt := range opts {
		t, err = opt(t)
		if err != nil {
			return err
		}
	}
	t, err = t.Parse(tmpl)
	if err != nil {
		return err
	}
	return t.Execute(out, data)
}

// String converts a template to a string, values without an action are returned unchanged
func String(tmpl string, data interface{}, opts ...Opt) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	var sb strings.Builder
	err := Writer(&sb, tmpl, data, opts...)
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// WithFuncs includes additional template functions
func WithFuncs(funcs gotemplate.FuncMap) Opt {
	return func(t *gotemplate.Template) (*gotemplate.Template, error) {
		return t.Funcs(funcs), nil
	}
}

// WithStrictKeys fails when a map key referenced by the template is missing
func WithStrictKeys() Opt {
	return func(t *gotemplate.Template) (*gotemplate.Template, error) {
		return t.Option("missingkey=error"), nil
	}
}

func encodeJSON(v interface{}, indent string) string {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	_ = enc.Encode(v)
	return buf.String()
}
