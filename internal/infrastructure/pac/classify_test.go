package pac

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStampCode(t *testing.T) {
	tests := []struct {
		code string
		want StampOutcome
	}{
		{"307", OutcomeAlreadyStamped},
		{" 307 ", OutcomeAlreadyStamped},
		{"708", OutcomeTransient},
		{"300", OutcomeRejected},
		{"301", OutcomeRejected},
		{"302", OutcomeRejected},
		{"303", OutcomeRejected},
		{"304", OutcomeRejected},
		{"305", OutcomeRejected},
		{"306", OutcomeRejected},
		{"308", OutcomeRejected},
		{"401", OutcomeRejected},
		{"402", OutcomeRejected},
		{"403", OutcomeRejected},
		{"702", OutcomeRejected},
		{"703", OutcomeRejected},
		{"704", OutcomeRejected},
		{"705", OutcomeRejected},
		{"712", OutcomeRejected},
		{"CFDI40143", OutcomeRejected},
		{"CFDI40108", OutcomeRejected},
		{"CP101", OutcomeRejected},
		{"999", OutcomeRejected},
		{"", OutcomeRejected},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyStampCode(tt.code), "código %q", tt.code)
	}
}

func TestClassifyStampCode_AllKnownRejectionsAreRejected(t *testing.T) {
	for code := range stampRejections {
		assert.Equal(t, OutcomeRejected, classifyStampCode(code), "código %q", code)
		assert.NotEmpty(t, describeStampCode(code))
	}
	for code := range stampTransients {
		_, listed := stampRejections[code]
		assert.False(t, listed, "el código %q no puede ser rechazo y transitorio a la vez", code)
	}
}

func TestClassifyCancelCode(t *testing.T) {
	tests := []struct {
		code string
		want CancelOutcome
	}{
		{"201", CancelAccepted},
		{"202", CancelAlreadyCancelled},
		{"708", CancelTransient},
		{"203", CancelRejected},
		{"205", CancelRejected},
		{"no_cancelable", CancelRejected},
		{"", CancelRejected},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyCancelCode(tt.code), "código %q", tt.code)
	}
}

func TestFaultIsTransient(t *testing.T) {
	assert.True(t, faultIsTransient("soap:Server"))
	assert.True(t, faultIsTransient("SOAP-ENV:Server.Timeout"))
	assert.True(t, faultIsTransient(""))
	assert.False(t, faultIsTransient("soap:Client"))
	assert.False(t, faultIsTransient("Client.Authentication"))
}

func TestTransientStatus(t *testing.T) {
	for _, st := range []int{500, 502, 503, 504, http.StatusRequestTimeout, http.StatusTooManyRequests} {
		assert.True(t, transientStatus(st), "HTTP %d", st)
	}
	for _, st := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, transientStatus(st), "HTTP %d", st)
	}
}
