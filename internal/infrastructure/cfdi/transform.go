package cfdi

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Transform artefacto versionado que define la cadena original: qué atributos de qué
// nodos se emiten y en qué orden. Se evalúa sobre el documento sin espacios de nombres.
//
// ID distingue artefactos que comparten número de versión (p. ej. el timbre 1.1); si está
// vacío la llave en el registro es Version.
type Transform struct {
	ID      string `yaml:"id,omitempty"`
	Version string `yaml:"version"`
	Root    string `yaml:"root"`
	Steps   []Step `yaml:"steps"`
}

// Key llave del artefacto en el registro.
func (t *Transform) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return t.Version
}

// Step emite un atributo del nodo actual (Attr) o recorre los nodos que coinciden con la
// ruta relativa Element, en orden de documento, aplicando Steps a cada uno.
type Step struct {
	Attr     string `yaml:"attr,omitempty"`
	Element  string `yaml:"element,omitempty"`
	Required bool   `yaml:"required,omitempty"`
	Steps    []Step `yaml:"steps,omitempty"`
}

// ParseTransform decodifica y valida un artefacto YAML.
func ParseTransform(data []byte) (*Transform, error) {
	var t Transform
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("transform: decodificar YAML: %w", err)
	}
	if t.Version == "" || t.Root == "" {
		return nil, fmt.Errorf("transform: version y root son obligatorios")
	}
	if len(t.Steps) == 0 {
		return nil, fmt.Errorf("transform %s: sin pasos", t.Version)
	}
	if err := validateSteps(t.Steps, t.Root); err != nil {
		return nil, fmt.Errorf("transform %s: %w", t.Version, err)
	}
	return &t, nil
}

func validateSteps(steps []Step, path string) error {
	for i, s := range steps {
		switch {
		case s.Attr != "" && s.Element != "":
			return fmt.Errorf("%s paso %d: attr y element son excluyentes", path, i+1)
		case s.Attr != "":
			if len(s.Steps) > 0 {
				return fmt.Errorf("%s/@%s: un atributo no tiene pasos anidados", path, s.Attr)
			}
		case s.Element != "":
			if len(s.Steps) == 0 {
				return fmt.Errorf("%s/%s: element sin pasos", path, s.Element)
			}
			if err := validateSteps(s.Steps, path+"/"+s.Element); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s paso %d: se requiere attr o element", path, i+1)
		}
	}
	return nil
}

// Apply evalúa la transformación y devuelve los campos en orden.
// El elemento raíz debe llamarse Root y declarar la misma Version que el artefacto.
func (t *Transform) Apply(root *etree.Element) ([]string, error) {
	if root == nil {
		return nil, fmt.Errorf("documento sin raíz")
	}
	if root.Tag != t.Root {
		return nil, fmt.Errorf("raíz %q no corresponde a %q", root.Tag, t.Root)
	}
	if v := root.SelectAttrValue("Version", ""); v != t.Version {
		return nil, fmt.Errorf("el comprobante es versión %q y la transformación %q", v, t.Version)
	}
	fields := make([]string, 0, 64)
	if err := applySteps(root, t.Steps, t.Root, &fields); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("la transformación no produjo campos")
	}
	return fields, nil
}

func applySteps(el *etree.Element, steps []Step, path string, fields *[]string) error {
	for _, s := range steps {
		if s.Attr != "" {
			attr := el.SelectAttr(s.Attr)
			value := ""
			if attr != nil {
				value = NormalizeField(attr.Value)
			}
			if value == "" {
				if s.Required {
					return fmt.Errorf("atributo requerido %s/@%s ausente", path, s.Attr)
				}
				continue
			}
			*fields = append(*fields, value)
			continue
		}
		matches := el.FindElements(s.Element)
		if len(matches) == 0 && s.Required {
			return fmt.Errorf("nodo requerido %s/%s ausente", path, s.Element)
		}
		for _, m := range matches {
			if err := applySteps(m, s.Steps, path+"/"+s.Element, fields); err != nil {
				return err
			}
		}
	}
	return nil
}

// NormalizeField normaliza un valor: forma NFC, espacios internos colapsados a uno y sin
// espacios al inicio ni al final.
func NormalizeField(v string) string {
	return strings.Join(strings.Fields(norm.NFC.String(v)), " ")
}

// envelope garantiza el formato ||a|b|...|| sin importar cómo se construyeron los campos.
func envelope(fields []string) string {
	body := strings.Trim(strings.TrimSpace(strings.Join(fields, "|")), "|")
	return "||" + body + "||"
}
