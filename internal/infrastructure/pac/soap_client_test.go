package pac

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
)

const testUUID = "5FB2822E-396D-4725-8521-CDC4BDD20CCF"

func soapResponse(body string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>` +
		`<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/"><SOAP-ENV:Body>` +
		body + `</SOAP-ENV:Body></SOAP-ENV:Envelope>`
}

func stampResponseXML(op, inner string) string {
	return soapResponse(`<tns:` + op + `Response xmlns:tns="` + nsStamp + `"><tns:` + op + `Result>` +
		inner + `</tns:` + op + `Result></tns:` + op + `Response>`)
}

func incidence(code, msg string) string {
	return `<Incidencias><Incidencia><CodigoError>` + code + `</CodigoError><MensajeIncidencia>` +
		msg + `</MensajeIncidencia></Incidencia></Incidencias>`
}

func escaped(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func stampedCFDI(uuid string) string {
	return `<cfdi:Comprobante xmlns:cfdi="http://www.sat.gob.mx/cfd/4" Version="4.0"><cfdi:Complemento>` +
		`<tfd:TimbreFiscalDigital xmlns:tfd="http://www.sat.gob.mx/TimbreFiscalDigital" Version="1.1" UUID="` + uuid +
		`" FechaTimbrado="2026-10-01T12:31:00" RfcProvCertif="SPR190613I52" SelloCFD="c2VsbG8=" ` +
		`NoCertificadoSAT="30001000000500003456" SelloSAT="c2F0"/></cfdi:Complemento></cfdi:Comprobante>`
}

func soapFaultXML(code, msg string) string {
	return soapResponse(`<SOAP-ENV:Fault><faultcode>` + code + `</faultcode><faultstring>` + msg + `</faultstring></SOAP-ENV:Fault>`)
}

func sampleSigned() *entity.SignedDocument {
	return &entity.SignedDocument{
		Document: &entity.FiscalDocument{ID: "doc-1"},
		XML:      []byte(`<cfdi:Comprobante Version="4.0"/>`),
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *SOAPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewSOAPClient(ClientConfig{Env: EnvTest, BaseURL: srv.URL, Username: "integrador", Password: "secreto", Timeout: 2 * time.Second}, srv.Client())
	require.NoError(t, err)
	return c
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestStamp_Classification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		want       StampOutcome
		wantCode   string
		wantStamp  bool
		wantInText string
	}{
		{
			name:      "timbrado",
			status:    200,
			body:      stampResponseXML("stamp", `<xml>`+escaped(stampedCFDI(testUUID))+`</xml><UUID>`+testUUID+`</UUID><CodEstatus>Comprobante timbrado satisfactoriamente</CodEstatus>`),
			want:      OutcomeStamped,
			wantStamp: true,
		},
		{
			name:      "timbrado solo con campos sueltos",
			status:    200,
			body:      stampResponseXML("stamp", `<UUID>`+testUUID+`</UUID><Fecha>2026-10-01T12:31:00</Fecha><SatSeal>c2F0</SatSeal>`),
			want:      OutcomeStamped,
			wantStamp: true,
		},
		{
			name:      "timbre previo con XML",
			status:    200,
			body:      stampResponseXML("stamp", `<xml>`+escaped(stampedCFDI(testUUID))+`</xml>`+incidence("307", "El CFDI contiene un timbre previo")),
			want:      OutcomeAlreadyStamped,
			wantCode:  "307",
			wantStamp: true,
		},
		{
			name:     "timbre previo sin XML",
			status:   200,
			body:     stampResponseXML("stamp", incidence("307", "El CFDI contiene un timbre previo")),
			want:     OutcomeAlreadyStamped,
			wantCode: "307",
		},
		{
			name:     "SAT fuera de línea",
			status:   200,
			body:     stampResponseXML("stamp", incidence("708", "No se pudo conectar al SAT")),
			want:     OutcomeTransient,
			wantCode: "708",
		},
		{
			name:       "sello inválido",
			status:     200,
			body:       stampResponseXML("stamp", incidence("302", "Sello mal formado o inválido")),
			want:       OutcomeRejected,
			wantCode:   "302",
			wantInText: "Sello mal formado o inválido",
		},
		{
			name:       "regla de negocio",
			status:     200,
			body:       stampResponseXML("stamp", incidence("CFDI40143", "Este RFC del receptor no existe en la lista de RFC inscritos no cancelados del SAT.")),
			want:       OutcomeRejected,
			wantCode:   "CFDI40143",
			wantInText: "RFC del receptor",
		},
		{
			name:       "código desconocido se rechaza",
			status:     200,
			body:       stampResponseXML("stamp", incidence("999", "")),
			want:       OutcomeRejected,
			wantCode:   "999",
			wantInText: "",
		},
		{
			name:       "incidencia sin mensaje usa descripción",
			status:     200,
			body:       stampResponseXML("stamp", incidence("704", "")),
			want:       OutcomeRejected,
			wantCode:   "704",
			wantInText: "contraseña",
		},
		{
			name:     "fault de servidor",
			status:   500,
			body:     soapFaultXML("SOAP-ENV:Server", "Internal error"),
			want:     OutcomeTransient,
			wantCode: "SOAP-ENV:Server",
		},
		{
			name:       "fault de cliente",
			status:     500,
			body:       soapFaultXML("SOAP-ENV:Client", "Invalid request"),
			want:       OutcomeRejected,
			wantCode:   "SOAP-ENV:Client",
			wantInText: "Invalid request",
		},
		{name: "HTTP 503", status: 503, body: "Service Unavailable", want: OutcomeTransient, wantCode: "HTTP 503"},
		{name: "HTTP 502 vacío", status: 502, body: "", want: OutcomeTransient, wantCode: "HTTP 502"},
		{name: "HTTP 429", status: 429, body: "slow down", want: OutcomeTransient, wantCode: "HTTP 429"},
		{name: "HTTP 408", status: 408, body: "", want: OutcomeTransient, wantCode: "HTTP 408"},
		{name: "HTTP 404", status: 404, body: "not found", want: OutcomeRejected, wantCode: "HTTP 404"},
		{name: "HTTP 401", status: 401, body: "unauthorized", want: OutcomeRejected, wantCode: "HTTP 401"},
		{name: "200 ilegible", status: 200, body: "<html>oops", want: OutcomeTransient},
		{name: "200 sin resultado", status: 200, body: soapResponse(""), want: OutcomeTransient},
		{name: "200 sin UUID ni incidencias", status: 200, body: stampResponseXML("stamp", `<CodEstatus>?</CodEstatus>`), want: OutcomeTransient},
		{
			name:   "UUID mal formado",
			status: 200,
			body:   stampResponseXML("stamp", `<xml>`+escaped(stampedCFDI("no-es-uuid"))+`</xml>`),
			want:   OutcomeTransient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, respond(tt.status, tt.body))

			res, err := c.Stamp(context.Background(), sampleSigned(), "llave-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, res.Code)
			}
			if tt.wantInText != "" {
				assert.Contains(t, res.Message, tt.wantInText)
			}
			if tt.wantStamp {
				require.NotNil(t, res.Stamp)
				assert.Equal(t, testUUID, res.Stamp.UUID)
				assert.Equal(t, "doc-1", res.Stamp.DocumentID)
			} else {
				assert.Nil(t, res.Stamp)
			}
		})
	}
}

func TestStamp_ParsesTimbreFields(t *testing.T) {
	c := newTestClient(t, respond(200, stampResponseXML("stamp", `<xml>`+escaped(stampedCFDI(testUUID))+`</xml>`)))

	res, err := c.Stamp(context.Background(), sampleSigned(), "llave-1")
	require.NoError(t, err)
	require.NotNil(t, res.Stamp)
	assert.Equal(t, "SPR190613I52", res.Stamp.ProviderTaxID)
	assert.Equal(t, "30001000000500003456", res.Stamp.AuthorityCertificateNumber)
	assert.Equal(t, "c2F0", res.Stamp.AuthoritySeal)
	assert.Equal(t, "c2VsbG8=", res.Stamp.DocumentSeal)
	assert.Equal(t, time.Date(2026, 10, 1, 12, 31, 0, 0, time.UTC), res.Stamp.StampedAt)
	assert.Contains(t, string(res.Stamp.StampedXML), "TimbreFiscalDigital")
}

func TestStamp_RequestShape(t *testing.T) {
	var gotAction, gotPath string
	var gotBody []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPAction")
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		respond(200, stampResponseXML("stamp", incidence("708", "")))(w, r)
	})

	signed := sampleSigned()
	_, err := c.Stamp(context.Background(), signed, "llave-estable")
	require.NoError(t, err)

	assert.Equal(t, "stamp", gotAction)
	assert.Equal(t, pathStamp, gotPath)
	body := string(gotBody)
	assert.Contains(t, body, "<username>integrador</username>")
	assert.Contains(t, body, "<reference>llave-estable</reference>")
	assert.Contains(t, body, base64.StdEncoding.EncodeToString(signed.XML))
	assert.Contains(t, body, `xmlns="`+nsStamp+`"`)
}

func TestStamp_ClientTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c, err := NewSOAPClient(ClientConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client())
	require.NoError(t, err)

	res, err := c.Stamp(context.Background(), sampleSigned(), "llave-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransient, res.Outcome)
}

func TestStamp_CallerCancellationIsInterrupted(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c, err := NewSOAPClient(ClientConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, srv.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := c.Stamp(ctx, sampleSigned(), "llave-1")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, domain.ErrInterrupted)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStamp_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := NewSOAPClient(ClientConfig{BaseURL: url, Timeout: time.Second}, nil)
	require.NoError(t, err)

	res, err := c.Stamp(context.Background(), sampleSigned(), "llave-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransient, res.Outcome)
}

func TestQueryStamp(t *testing.T) {
	tests := []struct {
		name string
		body string
		want StampOutcome
	}{
		{"encontrado", stampResponseXML("stamped", `<xml>`+escaped(stampedCFDI(testUUID))+`</xml><UUID>`+testUUID+`</UUID>`), OutcomeStamped},
		{"encontrado como previo", stampResponseXML("stamped", `<xml>`+escaped(stampedCFDI(testUUID))+`</xml>`+incidence("307", "")), OutcomeStamped},
		{"no existe", stampResponseXML("stamped", incidence("603", "El CFDI no existe")), OutcomeNotFound},
		{"previo sin datos", stampResponseXML("stamped", incidence("307", "")), OutcomeNotFound},
		{"SAT fuera de línea", stampResponseXML("stamped", incidence("708", "")), OutcomeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, respond(200, tt.body))
			res, err := c.QueryStamp(context.Background(), "llave-1", sampleSigned())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			if tt.want == OutcomeStamped {
				require.NotNil(t, res.Stamp)
				assert.Equal(t, testUUID, res.Stamp.UUID)
			}
		})
	}
}

func cancelResponseXML(status, codEstatus string) string {
	return soapResponse(`<tns:cancelResponse xmlns:tns="` + nsCancel + `"><tns:cancelResult>` +
		`<Folios><Folio><UUID>` + testUUID + `</UUID><EstatusUUID>` + status + `</EstatusUUID>` +
		`<EstatusCancelacion>detalle</EstatusCancelacion></Folio></Folios>` +
		`<Acuse>acuse-xml</Acuse><CodEstatus>` + codEstatus + `</CodEstatus></tns:cancelResult></tns:cancelResponse>`)
}

func TestCancel_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   CancelOutcome
	}{
		{"aceptada", 200, cancelResponseXML("201", ""), CancelAccepted},
		{"previamente cancelado", 200, cancelResponseXML("202", ""), CancelAlreadyCancelled},
		{"no corresponde al emisor", 200, cancelResponseXML("203", ""), CancelRejected},
		{"UUID inexistente", 200, cancelResponseXML("205", ""), CancelRejected},
		{"SAT fuera de línea", 200, cancelResponseXML("708", ""), CancelTransient},
		{"fault de servidor", 500, soapFaultXML("soap:Server", "boom"), CancelTransient},
		{"fault de cliente", 500, soapFaultXML("soap:Client", "bad"), CancelRejected},
		{"HTTP 504", 504, "", CancelTransient},
		{"sin folios ni estatus", 200, soapResponse(`<cancelResponse><cancelResult></cancelResult></cancelResponse>`), CancelTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, respond(tt.status, tt.body))
			res, err := c.Cancel(context.Background(), CancelRequest{EmitterTaxID: "EKU9003173C9", UUID: testUUID, Motive: "02"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
		})
	}
}

func TestCancel_RequestShape(t *testing.T) {
	var body string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		respond(200, cancelResponseXML("201", ""))(w, r)
	})

	res, err := c.Cancel(context.Background(), CancelRequest{
		EmitterTaxID: "EKU9003173C9", UUID: testUUID, Motive: "01", ReplacementUUID: "A1B2C3D4-0000-4000-8000-000000000001",
	})
	require.NoError(t, err)
	assert.Equal(t, "acuse-xml", res.Acknowledgement)
	assert.Contains(t, body, `Motivo="01"`)
	assert.Contains(t, body, `FolioSustitucion="A1B2C3D4-0000-4000-8000-000000000001"`)
	assert.Contains(t, body, "<taxpayer_id>EKU9003173C9</taxpayer_id>")
}

func registrationResponse(op, inner string) string {
	return soapResponse(`<tns:` + op + `Response xmlns:tns="` + nsRegistration + `"><tns:` + op + `Result>` + inner +
		`</tns:` + op + `Result></tns:` + op + `Response>`)
}

func TestRegisterTaxID(t *testing.T) {
	c := newTestClient(t, respond(200, registrationResponse("add", `<success>true</success><message>Account Created successfully</message>`)))
	res, err := c.RegisterTaxID(context.Background(), "EKU9003173C9")
	require.NoError(t, err)
	assert.False(t, res.AlreadyExists)

	c = newTestClient(t, respond(200, registrationResponse("add", `<success>false</success><message>Account Already exists</message>`)))
	res, err = c.RegisterTaxID(context.Background(), "EKU9003173C9")
	require.NoError(t, err)
	assert.True(t, res.AlreadyExists)

	c = newTestClient(t, respond(200, registrationResponse("add", `<success>false</success><message>Invalid taxpayer</message>`)))
	_, err = c.RegisterTaxID(context.Background(), "EKU9003173C9")
	assert.ErrorIs(t, err, domain.ErrAuthorityRejected)

	c = newTestClient(t, respond(503, ""))
	_, err = c.RegisterTaxID(context.Background(), "EKU9003173C9")
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestRegistrationStatus(t *testing.T) {
	c := newTestClient(t, respond(200, registrationResponse("get",
		`<users><ResellerUser><status>A</status><taxpayer_id>EKU9003173C9</taxpayer_id></ResellerUser></users>`)))
	st, err := c.RegistrationStatus(context.Background(), "EKU9003173C9")
	require.NoError(t, err)
	assert.True(t, st.Registered)
	assert.True(t, st.Active)

	c = newTestClient(t, respond(200, registrationResponse("get", `<users></users><message>not found</message>`)))
	st, err = c.RegistrationStatus(context.Background(), "EKU9003173C9")
	require.NoError(t, err)
	assert.False(t, st.Registered)
}

func TestUploadCredential(t *testing.T) {
	var body string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		respond(200, registrationResponse("edit", `<success>true</success><message>Account updated successfully</message>`))(w, r)
	})
	res, err := c.UploadCredential(context.Background(), "EKU9003173C9", "Y2Vy", "a2V5", "12345678a")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, body, "<cer>Y2Vy</cer>")
	assert.Contains(t, body, "<key>a2V5</key>")
	assert.Contains(t, body, "<status>A</status>")
}

func TestNewSOAPClient_Env(t *testing.T) {
	c, err := NewSOAPClient(ClientConfig{Env: EnvProd}, nil)
	require.NoError(t, err)
	assert.Equal(t, baseURLProd, c.baseURL)

	_, err = NewSOAPClient(ClientConfig{Env: "staging"}, nil)
	assert.Error(t, err)
}
