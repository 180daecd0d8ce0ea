package pac

import (
	"net/http"
	"strings"
)

// Códigos del PAC con tratamiento especial.
const (
	CodeAlreadyStamped   = "307" // el CFDI contiene un timbre previo
	CodeAuthorityOffline = "708" // no se pudo conectar con el SAT

	CodeCancelAccepted = "201" // solicitud de cancelación recibida
	CodeCancelPrevious = "202" // UUID previamente cancelado
)

// stampRejections códigos de rechazo conocidos del servicio de timbrado. Cualquier otro
// código no listado como transitorio también es rechazo: ante la duda no se reenvía.
var stampRejections = map[string]string{
	"300": "usuario o contraseña del integrador inválidos",
	"301": "XML mal formado",
	"302": "sello mal formado o inválido",
	"303": "el sello no corresponde al emisor",
	"304": "certificado revocado o caduco",
	"305": "la fecha de emisión no está dentro de la vigencia del CSD",
	"306": "el certificado no es de tipo CSD",
	"308": "certificado no expedido por el SAT",
	"401": "fecha y hora de generación fuera de rango",
	"402": "RFC del emisor no se encuentra en el régimen de contribuyentes",
	"403": "la fecha de emisión no es posterior al 01 de enero de 2012",
	"702": "no se encontró el RFC del emisor en la cuenta",
	"703": "cuenta del emisor suspendida",
	"704": "error con la contraseña de la llave privada",
	"705": "XML con estructura inválida",
	"712": "NoCertificado no coincide con el certificado",
}

// stampTransients códigos que indican indisponibilidad temporal del PAC o del SAT.
var stampTransients = map[string]bool{
	CodeAuthorityOffline: true,
}

// classifyStampCode traduce un código de incidencia del PAC.
func classifyStampCode(code string) StampOutcome {
	code = strings.TrimSpace(code)
	switch {
	case code == CodeAlreadyStamped:
		return OutcomeAlreadyStamped
	case stampTransients[code]:
		return OutcomeTransient
	default:
		return OutcomeRejected
	}
}

// classifyCancelCode traduce EstatusUUID de la cancelación.
func classifyCancelCode(code string) CancelOutcome {
	switch strings.TrimSpace(code) {
	case CodeCancelAccepted:
		return CancelAccepted
	case CodeCancelPrevious:
		return CancelAlreadyCancelled
	case CodeAuthorityOffline:
		return CancelTransient
	default:
		return CancelRejected
	}
}

// faultIsTransient SOAP 1.1: Server* es falla del servicio (transitoria), Client* es petición inválida.
func faultIsTransient(faultCode string) bool {
	local := faultCode
	if i := strings.LastIndex(local, ":"); i >= 0 {
		local = local[i+1:]
	}
	return !strings.HasPrefix(strings.ToLower(local), "client")
}

// transientStatus estados HTTP que ameritan reintento.
func transientStatus(status int) bool {
	return status >= http.StatusInternalServerError ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests
}

// describeStampCode mensaje por defecto cuando el PAC no manda uno.
func describeStampCode(code string) string {
	if msg, ok := stampRejections[code]; ok {
		return msg
	}
	if code == CodeAuthorityOffline {
		return "no se pudo conectar con el SAT"
	}
	return ""
}
