package storage

import (
	"context"
	"errors"
	"testing"
)

func TestParseS3URL(t *testing.T) {
	cases := []struct {
		in     string
		bucket string
		key    string
		ok     bool
	}{
		{"s3://models/sdxl/base.safetensors", "models", "sdxl/base.safetensors", true},
		{"s3://models/", "", "", false},
		{"s3://models", "", "", false},
		{"https://example.com/base.safetensors", "", "", false},
	}

	for _, tc := range cases {
		bucket, key, ok := ParseS3URL(tc.in)
		if ok != tc.ok || bucket != tc.bucket || key != tc.key {
			t.Errorf("ParseS3URL(%q) = %q %q %v", tc.in, bucket, key, ok)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "b", "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}

	for _, k := range []string{"u/t/images/b.jpg", "u/t/images/a.jpg", "u/other.jpg"} {
		if err := s.Put(ctx, "b", k, &Object{Body: []byte(k)}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	keys, _ := s.List(ctx, "b", "u/t/images/")
	if len(keys) != 2 || keys[0] != "u/t/images/a.jpg" || keys[1] != "u/t/images/b.jpg" {
		t.Fatalf("unexpected keys %v", keys)
	}

	ok, _ := s.Exists(ctx, "b", "u/other.jpg")
	if !ok {
		t.Fatal("expected object to exist")
	}
	if s.Puts() != 3 {
		t.Fatalf("expected 3 puts, got %d", s.Puts())
	}
}
