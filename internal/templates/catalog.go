package templates

import (
	"embed"
	"errors"
	"fmt"

	"github.com/nimasrn/campaign-engine/internal/model"
	"github.com/osteele/liquid"
)

// DefaultCustomerName is used when a template is rendered without a name.
const DefaultCustomerName = "Valued Customer"

// NamePlaceholder is the literal substituted per recipient at send time.
const NamePlaceholder = "{customer_name}"

var ErrTemplateNotFound = errors.New("template not found")

//go:embed holiday/*.html holiday/*.txt
var holidayFS embed.FS

type definition struct {
	id          string
	name        string
	description string
	subject     string
}

var holidays = []definition{
	{"double11", "11.11 Shopping Festival", "Annual 11.11 shopping festival promotion", "{{ customer_name }}, your 11.11 deals are here!"},
	{"christmas", "Christmas", "Christmas greetings and promotion", "{{ customer_name }}, Merry Christmas! An exclusive gift inside"},
	{"lunar_new_year", "Lunar New Year", "Lunar New Year greetings", "{{ customer_name }}, happy Lunar New Year!"},
	{"mid_autumn", "Mid-Autumn Festival", "Mid-Autumn Festival greetings", "{{ customer_name }}, happy Mid-Autumn Festival!"},
	{"valentines", "Valentine's Day", "Valentine's Day promotion", "{{ customer_name }}, happy Valentine's Day!"},
}

type template struct {
	info    model.TemplateInfo
	subject *liquid.Template
	html    *liquid.Template
	text    *liquid.Template
}

// Catalog is the fixed set of holiday templates. It is read only after
// construction and safe for concurrent use.
type Catalog struct {
	order []string
	byID  map[string]*template
}

func NewCatalog() (*Catalog, error) {
	engine := liquid.NewEngine()
	c := &Catalog{byID: make(map[string]*template, len(holidays))}

	for _, d := range holidays {
		html, err := holidayFS.ReadFile("holiday/" + d.id + ".html")
		if err != nil {
			return nil, err
		}
		text, err := holidayFS.ReadFile("holiday/" + d.id + ".txt")
		if err != nil {
			return nil, err
		}

		t := &template{info: model.TemplateInfo{
			ID:          d.id,
			Name:        d.name,
			Description: d.description,
			Subject:     d.subject,
		}}
		if t.subject, err = parse(engine, d.id, "subject", []byte(d.subject)); err != nil {
			return nil, err
		}
		if t.html, err = parse(engine, d.id, "html", html); err != nil {
			return nil, err
		}
		if t.text, err = parse(engine, d.id, "text", text); err != nil {
			return nil, err
		}

		c.order = append(c.order, d.id)
		c.byID[d.id] = t
	}
	return c, nil
}

func parse(engine *liquid.Engine, id, part string, src []byte) (*liquid.Template, error) {
	tpl, err := engine.ParseTemplate(src)
	if err != nil {
		return nil, fmt.Errorf("parse %s %s: %w", id, part, err)
	}
	return tpl, nil
}

func (c *Catalog) List() []model.TemplateInfo {
	out := make([]model.TemplateInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id].info)
	}
	return out
}

func (c *Catalog) Get(id string) (model.TemplateInfo, bool) {
	t, ok := c.byID[id]
	if !ok {
		return model.TemplateInfo{}, false
	}
	return t.info, true
}

// Render fills the template for one customer name.
func (c *Catalog) Render(id, customerName string) (*model.RenderedTemplate, error) {
	t, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	if customerName == "" {
		customerName = DefaultCustomerName
	}
	bindings := liquid.Bindings{"customer_name": customerName}

	out := &model.RenderedTemplate{ID: id}
	var err error
	if out.Subject, err = t.subject.RenderString(bindings); err != nil {
		return nil, fmt.Errorf("render %s subject: %w", id, err)
	}
	if out.HTML, err = t.html.RenderString(bindings); err != nil {
		return nil, fmt.Errorf("render %s html: %w", id, err)
	}
	if out.Text, err = t.text.RenderString(bindings); err != nil {
		return nil, fmt.Errorf("render %s text: %w", id, err)
	}
	return out, nil
}

// Source renders the template keeping the per-recipient placeholder, so a
// campaign created from it is personalized at send time.
func (c *Catalog) Source(id string) (*model.RenderedTemplate, error) {
	return c.Render(id, NamePlaceholder)
}
