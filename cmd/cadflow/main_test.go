package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
)

func TestParseAssignments(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    map[string]string
		wantErr bool
	}{
		{"empty", nil, nil, false},
		{"pairs", []string{"format=binary", " scaling = 0.001 "}, map[string]string{"format": "binary", "scaling": "0.001"}, false},
		{"empty value", []string{"name="}, map[string]string{"name": ""}, false},
		{"value with equals", []string{"filter=a=b"}, map[string]string{"filter": "a=b"}, false},
		{"missing equals", []string{"binary"}, nil, true},
		{"missing key", []string{"=binary"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAssignments(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown format", cferrors.UnknownFormat("a.xyz"), 2},
		{"invalid value", cferrors.InvalidValue("scaling", -1, "out of range"), 2},
		{"cancelled", cferrors.Cancelled("import", "a.obj"), 130},
		{"context", fmt.Errorf("run: %w", context.Canceled), 130},
		{"read problem", cferrors.FileReadProblem("a.obj", "obj", errors.New("eof")), 1},
		{"plain", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode = %d, want %d", got, tt.want)
			}
		})
	}
}
