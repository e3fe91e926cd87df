package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "http", url: "http://registry:8500", wantErr: false},
		{name: "https with path", url: "https://registry.internal/v1", wantErr: false},
		{name: "empty", url: "", wantErr: true},
		{name: "no scheme", url: "registry:8500", wantErr: true},
		{name: "ftp", url: "ftp://registry", wantErr: true},
		{name: "no host", url: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateHeaderAndMethod(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateHeaderName("Accept-Language"))
	assert.Error(t, ValidateHeaderName(""))
	assert.Error(t, ValidateHeaderName("bad header"))

	assert.NoError(t, ValidateHTTPMethod("get"))
	assert.NoError(t, ValidateHTTPMethod("DELETE"))
	assert.Error(t, ValidateHTTPMethod("FETCH"))

	assert.NoError(t, ValidatePositiveDuration(time.Second))
	assert.Error(t, ValidatePositiveDuration(0))
}
