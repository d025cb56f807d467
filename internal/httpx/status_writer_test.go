package httpx

import (
	"net/http/httptest"
	"testing"
)

func TestStatusWriterRecordsExplicitWriteHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &StatusWriter{ResponseWriter: rec}

	sw.WriteHeader(201)
	if sw.Status != 201 {
		t.Fatalf("expected recorded status 201, got %d", sw.Status)
	}
	if rec.Code != 201 {
		t.Fatalf("expected underlying recorder status 201, got %d", rec.Code)
	}
}

func TestStatusWriterDefaultsToOKOnImplicitWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &StatusWriter{ResponseWriter: rec}

	n, err := sw.Write([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}
	if sw.Status != 200 {
		t.Fatalf("expected implicit status 200, got %d", sw.Status)
	}
	if sw.Bytes != 5 {
		t.Fatalf("expected 5 bytes tracked, got %d", sw.Bytes)
	}
}

func TestStatusWriterAccumulatesByteCountAcrossWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &StatusWriter{ResponseWriter: rec}

	sw.Write([]byte("abc"))
	sw.Write([]byte("de"))
	if sw.Bytes != 5 {
		t.Fatalf("expected accumulated byte count of 5, got %d", sw.Bytes)
	}
}
