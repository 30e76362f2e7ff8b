package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	objects map[string][]byte
	putType string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	f.putType = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://backups/schema.json", "backups", "schema.json", false},
		{"s3://backups/prod/2024/schema.json", "backups", "prod/2024/schema.json", false},
		{"s3://backups", "", "", true},
		{"s3://backups/", "", "", true},
		{"s3://backups/dir/", "", "", true},
		{"s3:///key", "", "", true},
		{"/tmp/schema.json", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := ParseS3URI(tt.uri)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseS3URI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseS3URI(%q) = %q, %q; want %q, %q", tt.uri, bucket, key, tt.bucket, tt.key)
		}
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "schema.json")
	store, err := Open(context.Background(), path, AWSOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("expected *FileStore, got %T", store)
	}

	ctx := context.Background()
	if err := store.Write(ctx, []byte(`{"databases":{}}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != `{"databases":{}}` {
		t.Errorf("Read = %s", data)
	}
	if store.Location() != path {
		t.Errorf("Location = %s, want %s", store.Location(), path)
	}
}

func TestFileStore_ReadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"))
	if _, err := store.Read(context.Background()); err == nil {
		t.Error("expected error reading missing file")
	}
}

func TestOpen_RejectsBadLocations(t *testing.T) {
	for _, loc := range []string{"", "s3://bucket-only"} {
		if _, err := Open(context.Background(), loc, AWSOptions{}); err == nil {
			t.Errorf("Open(%q) should fail", loc)
		}
	}
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{}
	store := NewS3Store(fake, "backups", "prod/schema.json")
	ctx := context.Background()

	if err := store.Write(ctx, []byte("snapshot")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if fake.putType != "application/json" {
		t.Errorf("content type = %q", fake.putType)
	}
	data, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "snapshot" {
		t.Errorf("Read = %q", data)
	}
	if store.Location() != "s3://backups/prod/schema.json" {
		t.Errorf("Location = %s", store.Location())
	}

	missing := NewS3Store(fake, "backups", "nope.json")
	if _, err := missing.Read(ctx); err == nil {
		t.Error("expected error for missing object")
	}
}
