// Package cfdi contiene catálogos y validaciones del Comprobante Fiscal Digital por Internet
// (Anexo 20, versión 4.0). Los catálogos se tratan como enumeraciones opacas: solo se incluyen
// los códigos que el subsistema de timbrado necesita interpretar.
package cfdi

// =============================================================================
// Versiones del comprobante y de la transformación de cadena original
// =============================================================================

const (
	Version40 = "4.0"
	Version33 = "3.3"

	// TimbreVersion versión del complemento TimbreFiscalDigital.
	TimbreVersion = "1.1"
)

// =============================================================================
// Espacios de nombres
// =============================================================================

const (
	NamespaceCFDI40     = "http://www.sat.gob.mx/cfd/4"
	SchemaLocationCFDI  = "http://www.sat.gob.mx/cfd/4 http://www.sat.gob.mx/sitio_internet/cfd/4/cfdv40.xsd"
	NamespacePagos20    = "http://www.sat.gob.mx/Pagos20"
	SchemaLocationPagos = "http://www.sat.gob.mx/Pagos20 http://www.sat.gob.mx/sitio_internet/cfd/Pagos/Pagos20.xsd"
	NamespaceTFD        = "http://www.sat.gob.mx/TimbreFiscalDigital"
	NamespaceXSI        = "http://www.w3.org/2001/XMLSchema-instance"
)

// =============================================================================
// c_TipoDeComprobante
// =============================================================================

const (
	TipoIngreso  = "I"
	TipoEgreso   = "E"
	TipoTraslado = "T"
	TipoNomina   = "N"
	TipoPago     = "P"
)

// =============================================================================
// c_Impuesto, c_TipoFactor, c_ObjetoImp
// =============================================================================

const (
	ImpuestoISR  = "001"
	ImpuestoIVA  = "002"
	ImpuestoIEPS = "003"

	FactorTasa   = "Tasa"
	FactorCuota  = "Cuota"
	FactorExento = "Exento"

	ObjetoImpNo      = "01" // No objeto de impuesto
	ObjetoImpSi      = "02" // Sí objeto de impuesto
	ObjetoImpSiNoObl = "03" // Sí objeto, no obligado al desglose
)

// =============================================================================
// Motivos de cancelación (CFDI 4.0)
// =============================================================================

const (
	CancelWithRelation    = "01" // Comprobante emitido con errores con relación (requiere folio sustitución)
	CancelWithoutRelation = "02" // Comprobante emitido con errores sin relación
	CancelNotExecuted     = "03" // No se llevó a cabo la operación
	CancelGlobalInvoice   = "04" // Operación nominativa relacionada en una factura global
)

// ValidCancelMotives motivos de cancelación aceptados por la autoridad.
var ValidCancelMotives = map[string]bool{
	CancelWithRelation:    true,
	CancelWithoutRelation: true,
	CancelNotExecuted:     true,
	CancelGlobalInvoice:   true,
}

// =============================================================================
// RFC genéricos y catálogo de RFC de pruebas
// =============================================================================

const (
	GenericRFCNational = "XAXX010101000" // Público en general
	GenericRFCForeign  = "XEXX010101000" // Residente en el extranjero
)

// TestRFCs RFC publicados por la autoridad y el PAC para el ambiente de pruebas.
// En pruebas, el receptor debe ser uno de ellos o un RFC genérico.
var TestRFCs = map[string]string{
	"AAA010101AAA":  "EMPRESA DE PRUEBAS DEL PAC",
	"EKU9003173C9":  "ESCUELA KEMPER URGATE",
	"URE180429TM6":  "UNIVERSIDAD ROBOTICA ESPAÑOLA",
	"XIA190128J61":  "XENON INDUSTRIAL ARTICLES",
	"IIA040805DZ4":  "INDISTRIA ILUMINADORA DE ALMACENES",
	"JUFA7608212V6": "ADRIANA JUAREZ FERNANDEZ",
	"CACX7605101P8": "XOCHILT CASAS CHAVEZ",
	"FUNK671228PH6": "KARLA FUENTE NOLASCO",
	"MISC491214B86": "CECILIA MIRANDA SANCHEZ",
}

// =============================================================================
// Extensiones de archivo del Certificado de Sello Digital
// =============================================================================

const (
	ExtCertificate = ".cer"
	ExtPrivateKey  = ".key"
	ExtPFX         = ".pfx"
	ExtP12         = ".p12"
)
