package models

import (
	"strings"
	"testing"
)

func TestCreateItemRequest_Validate(t *testing.T) {
	tests := []struct {
		name   string
		req    CreateItemRequest
		fields []string
	}{
		{"valid", CreateItemRequest{Title: "buy milk"}, nil},
		{"valid with id", CreateItemRequest{ID: "abc", Title: "buy milk"}, nil},
		{"missing title", CreateItemRequest{}, []string{"title"}},
		{"long title", CreateItemRequest{Title: strings.Repeat("x", 256)}, []string{"title"}},
		{"long id", CreateItemRequest{ID: strings.Repeat("x", 65), Title: "t"}, []string{"id"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.req.Validate()
			if len(errs) != len(tt.fields) {
				t.Fatalf("expected %d errors, got %d: %+v", len(tt.fields), len(errs), errs)
			}
			for i, f := range tt.fields {
				if errs[i].Field != f {
					t.Errorf("expected error on %s, got %s", f, errs[i].Field)
				}
			}
		})
	}
}
