package httpc

import (
	"net/http"
	"reflect"
	"testing"
	"time"
)

func transport(t *testing.T, c *http.Client) *http.Transport {
	t.Helper()
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport = %T, want *http.Transport", c.Transport)
	}
	return tr
}

func TestNewClientTimeout(t *testing.T) {
	if c := NewClient(time.Second); c.Timeout != time.Second {
		t.Errorf("timeout = %v", c.Timeout)
	}
	if Client.Timeout != DefaultTimeout {
		t.Errorf("shared timeout = %v", Client.Timeout)
	}
}

func TestTransportHonoursProxyEnvironment(t *testing.T) {
	tr := transport(t, NewClient(time.Second))
	if tr.Proxy == nil {
		t.Fatal("proxy func not set")
	}
	got := reflect.ValueOf(tr.Proxy).Pointer()
	want := reflect.ValueOf(http.ProxyFromEnvironment).Pointer()
	if got != want {
		t.Error("proxy func is not http.ProxyFromEnvironment")
	}
}

func TestTransportLimits(t *testing.T) {
	tr := transport(t, Client)
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"tls handshake timeout", tr.TLSHandshakeTimeout, 10 * time.Second},
		{"expect continue timeout", tr.ExpectContinueTimeout, time.Second},
		{"idle conn timeout", tr.IdleConnTimeout, DefaultIdleConnTimeout},
		{"max idle conns", tr.MaxIdleConns, 100},
		{"max idle conns per host", tr.MaxIdleConnsPerHost, 10},
		{"dial context set", tr.DialContext != nil, true},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestDialerTimeouts(t *testing.T) {
	d := newDialer()
	if d.Timeout != DefaultConnectTimeout {
		t.Errorf("connect timeout = %v, want %v", d.Timeout, DefaultConnectTimeout)
	}
	if d.KeepAlive != DefaultKeepAlive {
		t.Errorf("keepalive = %v, want %v", d.KeepAlive, DefaultKeepAlive)
	}
}

func TestClientsDoNotShareTransport(t *testing.T) {
	a := transport(t, NewClient(time.Second))
	b := transport(t, NewClient(time.Second))
	if a == b {
		t.Error("each client should own its connection pool")
	}
}
