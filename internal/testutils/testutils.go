//go:build integration

// Package testutils provides shared test infrastructure for integration tests.
package testutils

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gocloud.dev/blob"
)

// Blob is a named blob served by a test CDN.
type Blob struct {
	ID   string
	Data []byte
}

// GenerateTestData generates test data of the given size.
// For blobs <= 10MB, uses a deterministic pattern seeded by salt. For larger
// blobs, uses random data.
func GenerateTestData(t *testing.T, size int64, salt byte) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i%251) ^ salt
		}
	} else {
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("generate random data: %v", err)
		}
	}
	return data
}

// CDN is a test server that serves blobs under /<prefix>/<id> and answers
// open-ended range requests the way the game CDN does.
type CDN struct {
	*httptest.Server

	mu       sync.Mutex
	requests int
}

// Requests returns the number of blob requests served.
func (c *CDN) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// StartCDN starts a CDN serving blobs. It is closed when the test ends.
func StartCDN(t *testing.T, prefix string, blobs []Blob) *CDN {
	t.Helper()

	byPath := make(map[string][]byte)
	for _, b := range blobs {
		byPath["/"+prefix+"/"+b.ID] = b.Data
	}

	c := &CDN{}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := byPath[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		c.mu.Lock()
		c.requests++
		c.mu.Unlock()

		size := int64(len(data))
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
			w.Write(data)
			return
		}

		start, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rangeHeader, "bytes="), "-"), 10, 64)
		if err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		if start >= size {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
		w.Header().Set("Content-Length", strconv.FormatInt(size-start, 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start:])
	}))
	t.Cleanup(c.Close)
	return c
}

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
)

// Minio is a Minio server with one bucket, reachable through BucketURL.
type Minio struct {
	BucketURL string
	container testcontainers.Container
}

// StartMinio starts Minio on a private network and creates bucketName with
// the mc client. Containers are removed when the test ends. The AWS
// credential variables are set for the duration of the test so s3blob can
// open BucketURL.
func StartMinio(t *testing.T, ctx context.Context, bucketName string) *Minio {
	t.Helper()

	netName := fmt.Sprintf("sophon-minio-%d", time.Now().UnixNano())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{Name: netName},
	})
	if err != nil {
		t.Fatalf("create network: %v", err)
	}
	t.Cleanup(func() { network.Remove(context.WithoutCancel(ctx)) })

	server, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:          "minio/minio:latest",
			ExposedPorts:   []string{"9000/tcp"},
			Networks:       []string{netName},
			NetworkAliases: map[string][]string{netName: {"minio"}},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioPassword,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio: %v", err)
	}
	t.Cleanup(func() { server.Terminate(context.WithoutCancel(ctx)) })

	runMC(t, ctx, netName, fmt.Sprintf(
		"mc alias set local http://minio:9000 %s %s && mc mb local/%s",
		minioUser, minioPassword, bucketName))

	endpoint, err := server.PortEndpoint(ctx, "9000/tcp", "http")
	if err != nil {
		t.Fatalf("minio endpoint: %v", err)
	}

	t.Setenv("AWS_ACCESS_KEY_ID", minioUser)
	t.Setenv("AWS_SECRET_ACCESS_KEY", minioPassword)

	return &Minio{
		BucketURL: fmt.Sprintf("s3://%s?endpoint=%s&use_path_style=true&disable_https=true&region=us-east-1",
			bucketName, endpoint),
		container: server,
	}
}

// Bucket opens the bucket. It is closed when the test ends.
func (m *Minio) Bucket(t *testing.T, ctx context.Context) *blob.Bucket {
	t.Helper()
	b, err := blob.OpenBucket(ctx, m.BucketURL)
	if err != nil {
		t.Fatalf("open %s: %v", m.BucketURL, err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// runMC runs a shell script in a throwaway minio/mc container and waits for
// it to exit successfully.
func runMC(t *testing.T, ctx context.Context, netName, script string) {
	t.Helper()

	mc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      "minio/mc:latest",
			Networks:   []string{netName},
			Entrypoint: []string{"/bin/sh", "-c"},
			Cmd:        []string{script},
			WaitingFor: wait.ForExit(),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("run mc: %v", err)
	}
	defer mc.Terminate(context.WithoutCancel(ctx))

	state, err := mc.State(ctx)
	if err != nil {
		t.Fatalf("mc state: %v", err)
	}
	if state.ExitCode != 0 {
		t.Fatalf("mc %q exited with %d", script, state.ExitCode)
	}
}

// AssertFileContent fails the test unless the file at path holds exactly
// expected, reporting the first differing offset.
func AssertFileContent(t *testing.T, path string, expected []byte) {
	t.Helper()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if bytes.Equal(got, expected) {
		return
	}
	n := min(len(got), len(expected))
	off := n
	for i := 0; i < n; i++ {
		if got[i] != expected[i] {
			off = i
			break
		}
	}
	t.Fatalf("%s: content differs at offset %d (got %d bytes, want %d)", path, off, len(got), len(expected))
}
