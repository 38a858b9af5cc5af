package server

import (
	"errors"
	"testing"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		overflow bool
		want     string
		wantErr  error
	}{
		{name: "crlf", data: "GET /raw/stream.h264\r\n", want: "/raw/stream.h264"},
		{name: "lf only", data: "GET /raw/stream.h264\n", want: "/raw/stream.h264"},
		{name: "no line end", data: "GET /raw/stream.h264", want: "/raw/stream.h264"},
		{name: "trailing version", data: "GET /index.html HTTP/1.0\r\n", want: "/index.html"},
		{name: "dot segments", data: "GET /a/./b/../raw//stream.h264\r\n", want: "/a/raw/stream.h264"},
		{name: "escape root", data: "GET /../../etc/passwd\r\n", want: "/etc/passwd"},
		{name: "extra lines ignored", data: "GET /x\r\nHost: y\r\n\r\n", want: "/x"},
		{name: "nfc", data: "GET /café\r\n", want: "/café"},
		{name: "post", data: "POST /raw/stream.h264\r\n", wantErr: ErrBadRequest},
		{name: "lowercase", data: "get /raw/stream.h264\r\n", wantErr: ErrBadRequest},
		{name: "relative", data: "GET raw/stream.h264\r\n", wantErr: ErrBadRequest},
		{name: "no target", data: "GET \r\n", wantErr: ErrBadRequest},
		{name: "empty", data: "", wantErr: ErrBadRequest},
		{name: "overflow", data: "GET /raw/stream.h264\r\n", overflow: true, wantErr: ErrRequestTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest([]byte(tt.data), tt.overflow)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ParseRequest() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRequest() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewMediaHandlerRejectsRelativePath(t *testing.T) {
	if _, err := NewMediaHandler("raw", nil, nil); err == nil {
		t.Error("NewMediaHandler accepted a relative path")
	}
}
