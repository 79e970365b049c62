package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cocaine-rt/cocained/locator"
	"github.com/cocaine-rt/cocained/node"
)

type fakeProvider struct {
	names []string
	infos map[string]node.Info
}

func (f fakeProvider) List() []string { return f.names }
func (f fakeProvider) AppInfo(name string) (node.Info, error) {
	info, ok := f.infos[name]
	if !ok {
		return node.Info{}, errNotFound(name)
	}
	return info, nil
}

type errNotFound string

func (e errNotFound) Error() string { return "not found: " + string(e) }

func TestHandleAppsListsRunningApps(t *testing.T) {
	p := fakeProvider{
		names: []string{"echo"},
		infos: map[string]node.Info{"echo": {Name: "echo", ProfileName: "default", PoolSize: 2, QueueLen: 1}},
	}
	srv := New(p, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/apps")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var got []node.Info
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Name != "echo" || got[0].PoolSize != 2 {
		t.Fatalf("unexpected apps payload: %+v", got)
	}
}

func TestHandleDirectoryStreamsExposeEvents(t *testing.T) {
	loc := locator.New(locator.PolicyLocalFirst, nil, nil)
	srv := New(fakeProvider{}, loc, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/directory"
	u, err := url.Parse(wsURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	loc.BindLocal(locator.ServiceDescriptor{Name: "node", Version: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got directoryEventJSON
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Name != "node" || got.Action != "expose" {
		t.Fatalf("unexpected directory event: %+v", got)
	}
}
