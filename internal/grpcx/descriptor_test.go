package grpcx

import (
	"context"
	"path/filepath"
	"testing"
)

func testProtoFiles() []string {
	return []string{filepath.Join("testdata", "echo.proto")}
}

func TestFindMethodStreamingShapes(t *testing.T) {
	files, err := compileProtos(context.Background(), testProtoFiles())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	cases := []struct {
		method         string
		client, server bool
	}{
		{"Unary", false, false},
		{"ServerStream", false, true},
		{"ClientStream", true, false},
		{"Bidi", true, true},
	}
	for _, c := range cases {
		m, err := findMethod(files, "courier.test.EchoService", c.method)
		if err != nil {
			t.Fatalf("find %s: %v", c.method, err)
		}
		if m.IsStreamingClient() != c.client || m.IsStreamingServer() != c.server {
			t.Fatalf("%s: streaming bits = (%v, %v), want (%v, %v)",
				c.method, m.IsStreamingClient(), m.IsStreamingServer(), c.client, c.server)
		}
	}
}

func TestFindMethodUnknown(t *testing.T) {
	files, err := compileProtos(context.Background(), testProtoFiles())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if _, err := findMethod(files, "courier.test.EchoService", "Nope"); err == nil {
		t.Fatalf("expected error for unknown method")
	}
	if _, err := findMethod(files, "courier.test.Nothing", "Unary"); err == nil {
		t.Fatalf("expected error for unknown service")
	}
}

func TestListServices(t *testing.T) {
	defs, err := ListServices(context.Background(), testProtoFiles())
	if err != nil {
		t.Fatalf("list services: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 service, got %d", len(defs))
	}
	if defs[0].Name != "courier.test.EchoService" {
		t.Fatalf("service = %q", defs[0].Name)
	}
	if len(defs[0].Methods) != 4 {
		t.Fatalf("methods = %v", defs[0].Methods)
	}
}

func TestCompileNoFiles(t *testing.T) {
	if _, err := compileProtos(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty file list")
	}
}
