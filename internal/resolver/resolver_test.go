package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/tanq16/haul/internal/utils"
)

type fakePresigner struct {
	calls int
	err   error
}

func (f *fakePresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &PresignedRequest{URL: "https://" + *params.Bucket + ".s3.amazonaws.com/" + *params.Key + "?X-Amz-Signature=abc"}, nil
}

func TestResolvePassesHTTPThrough(t *testing.T) {
	r := New("")
	for _, link := range []string{"http://example.com/a.bin", " https://example.com/b.iso?x=1 "} {
		got, err := r.Resolve(context.Background(), link)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", link, err)
		}
		if got == "" || got[0] == ' ' {
			t.Errorf("Resolve(%q) = %q, expected trimmed link", link, got)
		}
	}
}

func TestResolveRejectsUnknownScheme(t *testing.T) {
	_, err := New("").Resolve(context.Background(), "ftp://example.com/file")
	if !errors.Is(err, utils.ErrUnsupportedScheme) {
		t.Errorf("expected ErrUnsupportedScheme, got %v", err)
	}
	if _, err := New("").Resolve(context.Background(), "http:///nohost"); err == nil {
		t.Error("expected error for URL without host")
	}
}

func TestResolvePresignsS3(t *testing.T) {
	fake := &fakePresigner{}
	r := New("").WithPresigner(fake)
	got, err := r.Resolve(context.Background(), "s3://bucket/dir/file.tar")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "https://bucket.s3.amazonaws.com/dir/file.tar?X-Amz-Signature=abc" {
		t.Errorf("unexpected presigned URL %q", got)
	}
	if _, err := r.Resolve(context.Background(), "s3://bucket/dir/file.tar"); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if fake.calls != 2 {
		t.Errorf("expected a fresh presign per call, got %d calls", fake.calls)
	}
}

func TestResolvePresignError(t *testing.T) {
	r := New("").WithPresigner(&fakePresigner{err: errors.New("no credentials")})
	if _, err := r.Resolve(context.Background(), "s3://bucket/key"); err == nil {
		t.Error("expected presign error to surface")
	}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		in      string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://b/k", "b", "k", false},
		{"s3://b/dir/k.bin", "b", "dir/k.bin", false},
		{"s3://b/", "", "", true},
		{"s3://b/dir/", "", "", true},
		{"s3:///k", "", "", true},
		{"https://b/k", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := ParseS3URL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseS3URL(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseS3URL(%q) = %q, %q; expected %q, %q", tt.in, bucket, key, tt.bucket, tt.key)
		}
	}
}
