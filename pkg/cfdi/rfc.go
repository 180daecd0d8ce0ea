package cfdi

import (
	"fmt"
	"regexp"
	"strings"
)

// rfcPattern: 3 (persona moral) o 4 (persona física) letras, fecha AAMMDD y homoclave de 3 caracteres.
var rfcPattern = regexp.MustCompile(`^[A-ZÑ&]{3,4}[0-9]{2}(0[1-9]|1[0-2])(0[1-9]|[12][0-9]|3[01])[A-Z0-9]{2}[0-9A]$`)

// rfcAlphabet define el valor de cada carácter para el dígito verificador (posición = valor).
const rfcAlphabet = "0123456789ABCDEFGHIJKLMN&OPQRSTUVWXYZ Ñ"

// NormalizeRFC pasa a mayúsculas y elimina espacios y guiones.
func NormalizeRFC(rfc string) string {
	r := strings.ToUpper(strings.TrimSpace(rfc))
	r = strings.ReplaceAll(r, "-", "")
	return strings.ReplaceAll(r, " ", "")
}

// ValidateRFCFormat valida longitud, fecha y caracteres del RFC sin verificar el dígito.
func ValidateRFCFormat(rfc string) error {
	r := NormalizeRFC(rfc)
	if n := len([]rune(r)); n != 12 && n != 13 {
		return fmt.Errorf("cfdi: RFC %q debe tener 12 o 13 caracteres, tiene %d", rfc, n)
	}
	if !rfcPattern.MatchString(r) {
		return fmt.Errorf("cfdi: RFC %q con formato inválido", rfc)
	}
	return nil
}

// ValidateRFC valida formato y dígito verificador (módulo 11).
// Los RFC genéricos y los del catálogo de pruebas de la autoridad solo se validan por formato.
func ValidateRFC(rfc string) error {
	if err := ValidateRFCFormat(rfc); err != nil {
		return err
	}
	r := NormalizeRFC(rfc)
	if IsGenericRFC(r) || IsTestRFC(r) {
		return nil
	}
	expected, err := ComputeRFCCheckDigit(r)
	if err != nil {
		return err
	}
	runes := []rune(r)
	if got := runes[len(runes)-1]; got != expected {
		return fmt.Errorf("cfdi: dígito verificador del RFC inválido: esperado %c, recibido %c", expected, got)
	}
	return nil
}

// ComputeRFCCheckDigit calcula el dígito verificador de un RFC completo (12 o 13 caracteres),
// ignorando el último carácter. El RFC de persona moral se completa con un espacio a la izquierda.
func ComputeRFCCheckDigit(rfc string) (rune, error) {
	runes := []rune(NormalizeRFC(rfc))
	if len(runes) != 12 && len(runes) != 13 {
		return 0, fmt.Errorf("cfdi: RFC debe tener 12 o 13 caracteres para calcular el dígito, se recibieron %d", len(runes))
	}
	base := runes[:len(runes)-1]
	if len(base) == 11 {
		base = append([]rune{' '}, base...)
	}
	alphabet := []rune(rfcAlphabet)
	var sum int
	for i, r := range base {
		v := indexRune(alphabet, r)
		if v < 0 {
			return 0, fmt.Errorf("cfdi: carácter %q no permitido en RFC", r)
		}
		sum += v * (13 - i)
	}
	remainder := sum % 11
	switch {
	case remainder == 0:
		return '0', nil
	case 11-remainder == 10:
		return 'A', nil
	default:
		return rune('0' + 11 - remainder), nil
	}
}

func indexRune(alphabet []rune, r rune) int {
	for i, a := range alphabet {
		if a == r {
			return i
		}
	}
	return -1
}

// IsGenericRFC indica si es el RFC genérico nacional o extranjero.
func IsGenericRFC(rfc string) bool {
	r := NormalizeRFC(rfc)
	return r == GenericRFCNational || r == GenericRFCForeign
}

// IsTestRFC indica si el RFC pertenece al catálogo de pruebas publicado por la autoridad.
func IsTestRFC(rfc string) bool {
	_, ok := TestRFCs[NormalizeRFC(rfc)]
	return ok
}
