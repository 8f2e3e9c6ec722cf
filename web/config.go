package web

import (
	"fmt"
	"net/http"
)

type ConfigPage struct {
	*Templates
	Fields []Field
	Layers []Layer
	d      *Dashboard
}

type Field struct {
	Name  string
	Value string
}

type Layer struct {
	Index int
	Desc  string
}

// Base data for handler functions to view the network config
func NewConfigPage(t *Templates, d *Dashboard) *ConfigPage {
	p := &ConfigPage{d: d}
	p.Templates = t.Select("/config")
	return p
}

// Handler function for the config template
func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.d.Lock()
		defer p.d.Unlock()
		conf := p.d.Conf
		p.Heading = "network config"
		p.Fields = p.Fields[:0]
		for _, name := range conf.Fields() {
			p.Fields = append(p.Fields, Field{Name: name, Value: fmt.Sprint(conf.Get(name))})
		}
		p.Layers = p.Layers[:0]
		for i, l := range conf.Layers {
			p.Layers = append(p.Layers, Layer{Index: i, Desc: l.String()})
		}
		p.Exec(w, "config", p)
	}
}
