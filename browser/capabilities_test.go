package browser

import (
	"errors"
	"testing"

	"github.com/ethereum-optimism/infra/op-pagetest/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapabilities(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Capabilities
		wantErr errs.Kind
	}{
		{
			name:  "defaults",
			input: `{}`,
			want:  Capabilities{Modules: []string{}, Parallel: true},
		},
		{
			name:  "full descriptor",
			input: `{"modules":["puppeteer"],"screenshot":".png","console":true,"scripts":true,"parallel":false}`,
			want: Capabilities{
				Modules:    []string{"puppeteer"},
				Screenshot: ".png",
				Console:    true,
				Scripts:    true,
			},
		},
		{
			name:  "extension without dot",
			input: `{"screenshot":"png"}`,
			want:  Capabilities{Modules: []string{}, Screenshot: ".png", Parallel: true},
		},
		{
			name:  "null screenshot",
			input: "{\"screenshot\":null}\n",
			want:  Capabilities{Modules: []string{}, Parallel: true},
		},
		{
			name:    "not json",
			input:   `Usage: driver <config>`,
			wantErr: errs.BrowserProbeFailed,
		},
		{
			name:    "empty output",
			input:   "  \n",
			wantErr: errs.BrowserProbeFailed,
		},
		{
			name:  "unknown fields are ignored",
			input: `{"modules":[],"headless":true,"name":"chrome","console":true}`,
			want:  Capabilities{Modules: []string{}, Console: true, Parallel: true, Ignored: []string{"headless", "name"}},
		},
		{
			name:    "wrong type",
			input:   `{"console":"yes"}`,
			wantErr: errs.MissingOrInvalidBrowserCapabilities,
		},
		{
			name:    "empty extension",
			input:   `{"screenshot":""}`,
			wantErr: errs.MissingOrInvalidBrowserCapabilities,
		},
		{
			name:    "blank module",
			input:   `{"modules":[" "]}`,
			wantErr: errs.MissingOrInvalidBrowserCapabilities,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCapabilities([]byte(tt.input))
			if tt.wantErr != errs.Generic {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeCommand(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"command":"screenshot","id":3,"filename":"/tmp/a.png"}`))
	require.NoError(t, err)
	assert.Equal(t, ScreenshotCommand(3, "/tmp/a.png"), cmd)

	cmd, err = DecodeCommand([]byte(`{"command":"stop"}`))
	require.NoError(t, err)
	assert.Equal(t, StopCommand(), cmd)

	_, err = DecodeCommand([]byte(`{"command":"screenshot"}`))
	assert.Error(t, err)

	_, err = DecodeCommand([]byte(`{"command":"reload"}`))
	assert.Error(t, err)
}
