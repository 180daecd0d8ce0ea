package pac

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
	infracfdi "github.com/jhoicas/timbrado-cfdi/internal/infrastructure/cfdi"
)

const (
	baseURLTest = "https://demo-facturacion.finkok.com"
	baseURLProd = "https://facturacion.finkok.com"

	pathStamp        = "/servicios/soap/stamp"
	pathCancel       = "/servicios/soap/cancel"
	pathRegistration = "/servicios/soap/registration"

	soapNS         = "http://schemas.xmlsoap.org/soap/envelope/"
	nsStamp        = "http://facturacion.finkok.com/stamp"
	nsCancel       = "http://facturacion.finkok.com/cancel"
	nsRegistration = "http://facturacion.finkok.com/registration"

	maxResponseBytes = 4 << 20
	defaultTimeout   = 30 * time.Second
)

// ClientConfig credenciales y ubicación del PAC.
type ClientConfig struct {
	Env      string // test | prod
	BaseURL  string // vacío: URL del ambiente
	Username string
	Password string
	Timeout  time.Duration // tope de cada llamada
}

// SOAPClient implementa Authority sobre el WS SOAP del PAC.
// Cada llamada tiene su propio timeout además del contexto del llamador.
type SOAPClient struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	timeout    time.Duration
}

// NewSOAPClient crea el cliente. httpClient puede ser nil.
func NewSOAPClient(cfg ClientConfig, httpClient *http.Client) (*SOAPClient, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		switch cfg.Env {
		case EnvTest:
			base = baseURLTest
		case EnvProd:
			base = baseURLProd
		default:
			return nil, fmt.Errorf("pac: entorno desconocido %q (usar 'test' o 'prod')", cfg.Env)
		}
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &SOAPClient{
		httpClient: httpClient,
		baseURL:    base,
		username:   cfg.Username,
		password:   cfg.Password,
		timeout:    timeout,
	}, nil
}

// ── Estructuras SOAP ──────────────────────────────────────────────────────────

type soapEnvelope struct {
	XMLName xml.Name `xml:"soapenv:Envelope"`
	XmlnsS  string   `xml:"xmlns:soapenv,attr"`
	Body    soapBody `xml:"soapenv:Body"`
}

type soapBody struct {
	Content any
}

func (b soapBody) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name.Local = "soapenv:Body"
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.Encode(b.Content); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

// stampRequest sirve para stamp y stamped (consulta de timbre previo). Reference es la
// llave de idempotencia del integrador.
type stampRequest struct {
	XMLName   xml.Name
	Xmlns     string `xml:"xmlns,attr"`
	XML       string `xml:"xml"` // comprobante sellado en Base64
	Username  string `xml:"username"`
	Password  string `xml:"password"`
	Reference string `xml:"reference,omitempty"`
}

type cancelRequest struct {
	XMLName    xml.Name      `xml:"cancel"`
	Xmlns      string        `xml:"xmlns,attr"`
	UUIDs      []cancelFolio `xml:"UUIDS>UUID"`
	Username   string        `xml:"username"`
	Password   string        `xml:"password"`
	TaxpayerID string        `xml:"taxpayer_id"`
}

type cancelFolio struct {
	UUID             string `xml:"UUID,attr"`
	Motivo           string `xml:"Motivo,attr"`
	FolioSustitucion string `xml:"FolioSustitucion,attr,omitempty"`
}

type registrationRequest struct {
	XMLName          xml.Name
	Xmlns            string `xml:"xmlns,attr"`
	ResellerUsername string `xml:"reseller_username"`
	ResellerPassword string `xml:"reseller_password"`
	TaxpayerID       string `xml:"taxpayer_id"`
	Status           string `xml:"status,omitempty"`
	Cer              string `xml:"cer,omitempty"`
	Key              string `xml:"key,omitempty"`
	Passphrase       string `xml:"passphrase,omitempty"`
}

// ── Respuestas ────────────────────────────────────────────────────────────────

type soapResponseEnvelope struct {
	Body soapResponseBody `xml:"Body"`
}

type soapResponseBody struct {
	Stamp   *stampResponse   `xml:"stampResponse"`
	Stamped *stampedResponse `xml:"stampedResponse"`
	Cancel  *cancelResponse  `xml:"cancelResponse"`
	Add     *simpleResponse  `xml:"addResponse"`
	Edit    *simpleResponse  `xml:"editResponse"`
	Get     *getResponse     `xml:"getResponse"`
	Fault   *soapFault       `xml:"Fault"`
}

type stampResponse struct {
	Result stampResult `xml:"stampResult"`
}

type stampedResponse struct {
	Result stampResult `xml:"stampedResult"`
}

type stampResult struct {
	XML              string       `xml:"xml"`
	UUID             string       `xml:"UUID"`
	Fecha            string       `xml:"Fecha"`
	CodEstatus       string       `xml:"CodEstatus"`
	SatSeal          string       `xml:"SatSeal"`
	NoCertificadoSAT string       `xml:"NoCertificadoSAT"`
	Incidencias      []incidencia `xml:"Incidencias>Incidencia"`
}

type incidencia struct {
	CodigoError       string `xml:"CodigoError"`
	MensajeIncidencia string `xml:"MensajeIncidencia"`
}

type cancelResponse struct {
	Result cancelResult `xml:"cancelResult"`
}

type cancelResult struct {
	Folios     []cancelFolioResult `xml:"Folios>Folio"`
	Acuse      string              `xml:"Acuse"`
	CodEstatus string              `xml:"CodEstatus"`
}

type cancelFolioResult struct {
	UUID               string `xml:"UUID"`
	EstatusUUID        string `xml:"EstatusUUID"`
	EstatusCancelacion string `xml:"EstatusCancelacion"`
}

type simpleResponse struct {
	Result simpleResult `xml:",any"`
}

type simpleResult struct {
	Success bool   `xml:"success"`
	Message string `xml:"message"`
}

type getResponse struct {
	Result getResult `xml:"getResult"`
}

type getResult struct {
	Users   []resellerUser `xml:"users>ResellerUser"`
	Message string         `xml:"message"`
}

type resellerUser struct {
	Status     string `xml:"status"`
	TaxpayerID string `xml:"taxpayer_id"`
}

type soapFault struct {
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
}

// callFailure falla ya clasificada de una llamada (red, HTTP o SOAP Fault).
type callFailure struct {
	transient bool
	code      string
	message   string
}

func (f *callFailure) stampResult() *StampResult {
	outcome := OutcomeRejected
	if f.transient {
		outcome = OutcomeTransient
	}
	return &StampResult{Outcome: outcome, Code: f.code, Message: f.message}
}

func (f *callFailure) cancelResult() *CancelResult {
	outcome := CancelRejected
	if f.transient {
		outcome = CancelTransient
	}
	return &CancelResult{Outcome: outcome, Code: f.code, Message: f.message}
}

func (f *callFailure) err(op string) error {
	if f.code != "" {
		return fmt.Errorf("pac: %s: %w: [%s] %s", op, domain.ErrTransport, f.code, f.message)
	}
	return fmt.Errorf("pac: %s: %w: %s", op, domain.ErrTransport, f.message)
}

// ── Operaciones ───────────────────────────────────────────────────────────────

// Stamp envía el comprobante sellado a timbrar.
func (c *SOAPClient) Stamp(ctx context.Context, signed *entity.SignedDocument, idempotencyKey string) (*StampResult, error) {
	req := &stampRequest{
		XMLName:   xml.Name{Local: "stamp"},
		Xmlns:     nsStamp,
		XML:       base64.StdEncoding.EncodeToString(signed.XML),
		Username:  c.username,
		Password:  c.password,
		Reference: idempotencyKey,
	}
	body, fail, err := c.call(ctx, pathStamp, "stamp", req)
	if err != nil {
		return nil, err
	}
	if fail != nil {
		return fail.stampResult(), nil
	}
	if body.Stamp == nil {
		return &StampResult{Outcome: OutcomeTransient, Message: "respuesta de timbrado vacía o inesperada"}, nil
	}
	return stampOutcome(body.Stamp.Result, signed.Document.ID), nil
}

// QueryStamp consulta un timbre previo (operación stamped).
func (c *SOAPClient) QueryStamp(ctx context.Context, idempotencyKey string, signed *entity.SignedDocument) (*StampResult, error) {
	req := &stampRequest{
		XMLName:   xml.Name{Local: "stamped"},
		Xmlns:     nsStamp,
		XML:       base64.StdEncoding.EncodeToString(signed.XML),
		Username:  c.username,
		Password:  c.password,
		Reference: idempotencyKey,
	}
	body, fail, err := c.call(ctx, pathStamp, "stamped", req)
	if err != nil {
		return nil, err
	}
	if fail != nil {
		return fail.stampResult(), nil
	}
	if body.Stamped == nil {
		return &StampResult{Outcome: OutcomeTransient, Message: "respuesta de consulta vacía o inesperada"}, nil
	}
	res := stampOutcome(body.Stamped.Result, signed.Document.ID)
	switch res.Outcome {
	case OutcomeStamped, OutcomeAlreadyStamped:
		if res.Stamp == nil {
			return &StampResult{Outcome: OutcomeNotFound, Code: res.Code, Message: res.Message}, nil
		}
		res.Outcome = OutcomeStamped
	case OutcomeRejected:
		// stamped responde con incidencia cuando no existe timbre para el comprobante.
		res.Outcome = OutcomeNotFound
	}
	return res, nil
}

// Cancel solicita la cancelación de un UUID.
func (c *SOAPClient) Cancel(ctx context.Context, in CancelRequest) (*CancelResult, error) {
	req := &cancelRequest{
		Xmlns:      nsCancel,
		UUIDs:      []cancelFolio{{UUID: in.UUID, Motivo: in.Motive, FolioSustitucion: in.ReplacementUUID}},
		Username:   c.username,
		Password:   c.password,
		TaxpayerID: in.EmitterTaxID,
	}
	body, fail, err := c.call(ctx, pathCancel, "cancel", req)
	if err != nil {
		return nil, err
	}
	if fail != nil {
		return fail.cancelResult(), nil
	}
	if body.Cancel == nil {
		return &CancelResult{Outcome: CancelTransient, Message: "respuesta de cancelación vacía o inesperada"}, nil
	}
	r := body.Cancel.Result
	for _, f := range r.Folios {
		if !strings.EqualFold(f.UUID, in.UUID) {
			continue
		}
		return &CancelResult{
			Outcome:         classifyCancelCode(f.EstatusUUID),
			Code:            f.EstatusUUID,
			Message:         f.EstatusCancelacion,
			Acknowledgement: r.Acuse,
		}, nil
	}
	code := strings.TrimSpace(r.CodEstatus)
	if code == "" {
		return &CancelResult{Outcome: CancelTransient, Message: "la respuesta no incluye el folio solicitado"}, nil
	}
	return &CancelResult{Outcome: classifyCancelCode(code), Code: code, Message: r.CodEstatus}, nil
}

// RegisterTaxID da de alta el RFC en la cuenta del integrador (operación add).
func (c *SOAPClient) RegisterTaxID(ctx context.Context, taxID string) (*RegistrationResult, error) {
	req := c.registration("add", taxID)
	body, fail, err := c.call(ctx, pathRegistration, "add", req)
	if err != nil {
		return nil, err
	}
	if fail != nil {
		return nil, fail.err("add")
	}
	if body.Add == nil {
		return nil, fmt.Errorf("pac: add: %w: respuesta vacía o inesperada", domain.ErrTransport)
	}
	r := body.Add.Result
	if r.Success {
		return &RegistrationResult{Message: r.Message}, nil
	}
	if strings.Contains(strings.ToLower(r.Message), "already exists") {
		return &RegistrationResult{AlreadyExists: true, Message: r.Message}, nil
	}
	return nil, fmt.Errorf("pac: add: %w: %s", domain.ErrAuthorityRejected, r.Message)
}

// RegistrationStatus consulta el RFC en la cuenta del integrador (operación get).
func (c *SOAPClient) RegistrationStatus(ctx context.Context, taxID string) (*RegistrationStatus, error) {
	req := c.registration("get", taxID)
	body, fail, err := c.call(ctx, pathRegistration, "get", req)
	if err != nil {
		return nil, err
	}
	if fail != nil {
		return nil, fail.err("get")
	}
	if body.Get == nil {
		return nil, fmt.Errorf("pac: get: %w: respuesta vacía o inesperada", domain.ErrTransport)
	}
	for _, u := range body.Get.Result.Users {
		if strings.EqualFold(u.TaxpayerID, taxID) {
			return &RegistrationStatus{Registered: true, Active: u.Status == "A", Status: u.Status}, nil
		}
	}
	return &RegistrationStatus{}, nil
}

// UploadCredential carga el CSD del emisor (operación edit).
func (c *SOAPClient) UploadCredential(ctx context.Context, taxID, certificateB64, keyB64, passphrase string) (*UploadResult, error) {
	req := c.registration("edit", taxID)
	req.Status = "A"
	req.Cer = certificateB64
	req.Key = keyB64
	req.Passphrase = passphrase
	body, fail, err := c.call(ctx, pathRegistration, "edit", req)
	if err != nil {
		return nil, err
	}
	if fail != nil {
		return nil, fail.err("edit")
	}
	if body.Edit == nil {
		return nil, fmt.Errorf("pac: edit: %w: respuesta vacía o inesperada", domain.ErrTransport)
	}
	return &UploadResult{Success: body.Edit.Result.Success, Message: body.Edit.Result.Message}, nil
}

func (c *SOAPClient) registration(op, taxID string) *registrationRequest {
	return &registrationRequest{
		XMLName:          xml.Name{Local: op},
		Xmlns:            nsRegistration,
		ResellerUsername: c.username,
		ResellerPassword: c.password,
		TaxpayerID:       taxID,
	}
}

// call envía la petición y devuelve el cuerpo SOAP, o la falla clasificada.
// error solo cuando el llamador canceló ctx o la petición no se pudo construir.
func (c *SOAPClient) call(ctx context.Context, path, action string, content any) (*soapResponseBody, *callFailure, error) {
	payload, err := xml.Marshal(soapEnvelope{XmlnsS: soapNS, Body: soapBody{Content: content}})
	if err != nil {
		return nil, nil, fmt.Errorf("pac: serializar envelope: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(append([]byte(xml.Header), payload...)))
	if err != nil {
		return nil, nil, fmt.Errorf("pac: crear request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", action)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("pac: %s: %w: %w", action, domain.ErrInterrupted, ctx.Err())
		}
		return nil, &callFailure{transient: true, message: fmt.Sprintf("llamada HTTP fallida: %v", err)}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("pac: %s: %w: %w", action, domain.ErrInterrupted, ctx.Err())
		}
		return nil, &callFailure{transient: true, message: fmt.Sprintf("leer respuesta: %v", err)}, nil
	}

	var env soapResponseEnvelope
	parseErr := xml.Unmarshal(raw, &env)
	if parseErr == nil && env.Body.Fault != nil {
		f := env.Body.Fault
		return nil, &callFailure{
			transient: faultIsTransient(f.FaultCode),
			code:      f.FaultCode,
			message:   f.FaultString,
		}, nil
	}
	switch {
	case transientStatus(resp.StatusCode):
		return nil, &callFailure{transient: true, code: fmt.Sprintf("HTTP %d", resp.StatusCode), message: snippet(raw)}, nil
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, &callFailure{code: fmt.Sprintf("HTTP %d", resp.StatusCode), message: snippet(raw)}, nil
	}
	if parseErr != nil {
		// 2xx ilegible: el PAC pudo haber procesado la solicitud.
		return nil, &callFailure{transient: true, message: "respuesta SOAP ilegible: " + snippet(raw)}, nil
	}
	return &env.Body, nil, nil
}

// stampOutcome interpreta stampResult: incidencias primero, luego el timbre.
func stampOutcome(r stampResult, documentID string) *StampResult {
	if len(r.Incidencias) > 0 {
		inc := r.Incidencias[0]
		code := strings.TrimSpace(inc.CodigoError)
		msg := inc.MensajeIncidencia
		if msg == "" {
			msg = describeStampCode(code)
		}
		res := &StampResult{Outcome: classifyStampCode(code), Code: code, Message: msg}
		if res.Outcome == OutcomeAlreadyStamped {
			res.Stamp = stampFromResult(r, documentID)
		}
		return res
	}
	stamp := stampFromResult(r, documentID)
	if stamp == nil {
		return &StampResult{Outcome: OutcomeTransient, Code: r.CodEstatus, Message: "respuesta sin UUID ni incidencias"}
	}
	if _, err := uuid.Parse(stamp.UUID); err != nil {
		return &StampResult{Outcome: OutcomeTransient, Message: fmt.Sprintf("UUID inválido en la respuesta: %q", stamp.UUID)}
	}
	return &StampResult{Outcome: OutcomeStamped, Stamp: stamp, Message: r.CodEstatus}
}

// stampFromResult arma el timbre con el TFD del XML devuelto y, si falta, con los campos sueltos.
func stampFromResult(r stampResult, documentID string) *entity.FiscalStamp {
	var xmlData []byte
	if strings.TrimSpace(r.XML) != "" {
		xmlData = []byte(r.XML)
		if t, err := infracfdi.ParseTimbre(xmlData); err == nil {
			return t.FiscalStamp(documentID, xmlData)
		}
	}
	if strings.TrimSpace(r.UUID) == "" {
		return nil
	}
	stampedAt, _ := time.Parse("2006-01-02T15:04:05", strings.TrimSpace(r.Fecha))
	return &entity.FiscalStamp{
		DocumentID:                 documentID,
		UUID:                       strings.TrimSpace(r.UUID),
		StampedAt:                  stampedAt,
		AuthoritySeal:              r.SatSeal,
		AuthorityCertificateNumber: r.NoCertificadoSAT,
		StampedXML:                 xmlData,
	}
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}

var _ Authority = (*SOAPClient)(nil)
