package debugserver

import (
	"net"
	"testing"
	"time"
)

func TestAccept_AcceptsOneConnection(t *testing.T) {
	l, err := Listener()
	if err != nil {
		t.Skipf("skipping: could not bind debug port: %v", err)
	}
	defer l.Close()

	var gotAddr string

	accept := Accept(l, 2*time.Second, func(c net.Conn) error {
		gotAddr = c.RemoteAddr().String()

		return nil
	})

	done := make(chan error, 1)
	go func() { done <- accept() }()

	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := <-done; err != nil {
		t.Fatalf("accept() returned error: %v", err)
	}

	if gotAddr == "" {
		t.Error("connection callback never observed a remote address")
	}
}

func TestAccept_TimesOutWithNoClient(t *testing.T) {
	l, err := Listener()
	if err != nil {
		t.Skipf("skipping: could not bind debug port: %v", err)
	}
	defer l.Close()

	accept := Accept(l, 100*time.Millisecond, nil)

	start := time.Now()
	err = accept()
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a timeout error with no client connecting")
	}

	if elapsed > 2*time.Second {
		t.Errorf("accept took %s, expected it to be bounded by the socket timeout", elapsed)
	}
}
