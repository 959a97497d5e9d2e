package fmo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

// newFakeDevice serves /ws answering each request frame through respond. The
// returned base URL is ready for NewClient.
func newFakeDevice(t *testing.T, respond func(requestFrame) envelope) string {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame requestFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if err := conn.WriteJSON(respond(frame)); err != nil {
				return
			}
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func mustMarshal(t *testing.T, value interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("failed to marshal fixture: %v", err)
	}
	return data
}

func TestNormalizeHost(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{input: "fmo.local", expected: "fmo.local"},
		{input: "http://fmo.local", expected: "fmo.local"},
		{input: "https://fmo.local/", expected: "fmo.local"},
		{input: "ws://192.168.1.5:8080", expected: "192.168.1.5:8080"},
		{input: "wss://fmo.local", expected: "fmo.local"},
		{input: "  fmo.local/  ", expected: "fmo.local"},
	}
	for _, tc := range cases {
		if got := NormalizeHost(tc.input); got != tc.expected {
			t.Fatalf("NormalizeHost(%q) = %q, expected %q", tc.input, got, tc.expected)
		}
	}
}

func TestDeviceURL(t *testing.T) {
	if got := DeviceURL("ws", "http://fmo.local/"); got != "ws://fmo.local" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestListContacts(t *testing.T) {
	frames := make(chan requestFrame, 1)
	baseURL := newFakeDevice(t, func(frame requestFrame) envelope {
		frames <- frame
		return envelope{
			Type:    "qso",
			SubType: "getListResponse",
			Data: mustMarshal(t, listResponse{List: []ListItem{
				{LogID: 42, Timestamp: 1700000000, ToCallsign: "BG2BB"},
				{LogID: 41, Timestamp: 1699990000, ToCallsign: "BH3CC"},
			}}),
		}
	})

	client := NewClient(baseURL, nil)
	defer client.Close()

	items, err := client.ListContacts(context.Background(), 0, 20, "BA1AA")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 2 || items[0].LogID != 42 || items[0].ToCallsign != "BG2BB" {
		t.Fatalf("unexpected listing: %+v", items)
	}
	captured := <-frames
	if captured.Type != "qso" || captured.SubType != "getList" {
		t.Fatalf("unexpected request frame: %+v", captured)
	}
	params, ok := captured.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected request data: %+v", captured.Data)
	}
	if params["fromCallsign"] != "BA1AA" {
		t.Fatalf("operator filter missing: %v", params)
	}
}

func TestContactDetail(t *testing.T) {
	baseURL := newFakeDevice(t, func(frame requestFrame) envelope {
		return envelope{
			Type:    "qso",
			SubType: "getDetailResponse",
			Data: mustMarshal(t, map[string]interface{}{
				"log": map[string]interface{}{
					"timestamp":    1700000000,
					"freqHz":       4395000,
					"fromCallsign": "BA1AA",
					"toCallsign":   "BG2BB",
					"mode":         "FM",
				},
			}),
		}
	})

	client := NewClient(baseURL, nil)
	defer client.Close()

	record, err := client.ContactDetail(context.Background(), 42)
	if err != nil {
		t.Fatalf("detail failed: %v", err)
	}
	if record == nil {
		t.Fatalf("expected a record")
	}
	if record.FromCallsign != "BA1AA" || record.ToCallsign != "BG2BB" || record.FreqHz != 4395000 {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestContactDetailAbsentYieldsNilRecord(t *testing.T) {
	baseURL := newFakeDevice(t, func(frame requestFrame) envelope {
		return envelope{
			Type:    "qso",
			SubType: "getDetailResponse",
			Data:    mustMarshal(t, map[string]interface{}{"log": nil}),
		}
	})

	client := NewClient(baseURL, nil)
	defer client.Close()

	record, err := client.ContactDetail(context.Background(), 42)
	if err != nil {
		t.Fatalf("absent detail must not be an error: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil record, got %+v", record)
	}
}

func TestNonZeroCodeIsAnError(t *testing.T) {
	baseURL := newFakeDevice(t, func(frame requestFrame) envelope {
		return envelope{Type: "qso", SubType: "getListResponse", Code: 500}
	})

	client := NewClient(baseURL, nil)
	defer client.Close()

	if _, err := client.ListContacts(context.Background(), 0, 20, ""); err == nil {
		t.Fatalf("expected error for non-zero response code")
	}
}

func TestSendControlCommand(t *testing.T) {
	frames := make(chan requestFrame, 1)
	baseURL := newFakeDevice(t, func(frame requestFrame) envelope {
		frames <- frame
		return envelope{Type: "control", SubType: "sendResponse"}
	})

	client := NewClient(baseURL, nil)
	defer client.Close()

	if err := client.SendControlCommand(context.Background(), "A5A5"); err != nil {
		t.Fatalf("control command failed: %v", err)
	}
	captured := <-frames
	if captured.Type != "control" || captured.SubType != "send" {
		t.Fatalf("unexpected request frame: %+v", captured)
	}
}

func TestRequestAfterCloseFails(t *testing.T) {
	baseURL := newFakeDevice(t, func(frame requestFrame) envelope {
		return envelope{Type: "qso", SubType: "getListResponse"}
	})

	client := NewClient(baseURL, nil)
	if err := client.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := client.ListContacts(context.Background(), 0, 20, ""); err == nil {
		t.Fatalf("expected error after close")
	}
}
