package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"speedtest-monitor/pkg/models"
)

var testServers = []models.Server{
	{ID: "1", Host: "fra1.example.net:8080", Sponsor: "Frontier", Name: "Frankfort, KY", Country: "United States", CountryCode: "US", URL: "http://fra1.example.net:8080/speedtest/upload.php", Distance: 12.5},
	{ID: "2", Host: "ffm.example.de:8080", Sponsor: "Deutsche Glasfaser", Name: "Frankfurt", Country: "Germany", CountryCode: "DE", URL: "http://ffm.example.de:8080/speedtest/upload.php", Distance: 6200},
	{ID: "3", Host: "nyc.example.com:8080", Sponsor: "Acme FRAmeworks", Name: "New York, NY", Country: "United States", CountryCode: "US", URL: "http://nyc.example.com:8080/speedtest/upload.php", Distance: 1000},
	{ID: "4", Host: "chi.example.com:8080", Sponsor: "Windy City ISP", Name: "Chicago, IL", Country: "United States", CountryCode: "US", URL: "http://chi.example.com:8080/speedtest/upload.php", Distance: 450},
	{ID: "5", Host: "fra.example.us:8080", Sponsor: "Other", Name: "Framingham, MA", Country: "US", URL: "http://fra.example.us:8080/speedtest/upload.php", Distance: 1300},
}

func ids(servers []models.Server) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.ID)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		country string
		want    []string
	}{
		{name: "No filters", want: []string{"1", "2", "3", "4", "5"}},
		{name: "Query and country", query: "fra", country: "US", want: []string{"1", "3", "5"}},
		{name: "Query is case-insensitive", query: "FRANK", want: []string{"1", "2"}},
		{name: "Query matches sponsor", query: "windy", want: []string{"4"}},
		{name: "Country by name", country: "Germany", want: []string{"2"}},
		{name: "Country is exact", country: "us", want: []string{}},
		{name: "No match is not an error", query: "tokyo", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(Filter(testServers, tt.query, tt.country))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Filter(%q, %q) = %v, want %v", tt.query, tt.country, got, tt.want)
			}
		})
	}
}

func TestFilterAllReturnsCatalogUnchanged(t *testing.T) {
	c := NewFromServers(testServers)
	got := c.Filter("", "")
	if !reflect.DeepEqual(got, testServers) {
		t.Errorf("Filter(\"\", \"\") = %v, want full catalog", ids(got))
	}

	got[0].Name = "mutated"
	if s, _ := c.ByID("1"); s.Name == "mutated" {
		t.Errorf("Filter() result aliases catalog storage")
	}
}

func TestFilterQueryAndCountry(t *testing.T) {
	for _, s := range NewFromServers(testServers).Filter("fra", "US") {
		if s.Country != "US" && s.CountryCode != "US" {
			t.Errorf("server %s has country %q/%q, want US", s.ID, s.Country, s.CountryCode)
		}
	}
}

func TestByID(t *testing.T) {
	c := NewFromServers(testServers)
	if s, ok := c.ByID("3"); !ok || s.Name != "New York, NY" {
		t.Errorf("ByID(3) = %v, %v", s, ok)
	}
	if _, ok := c.ByID("99"); ok {
		t.Errorf("ByID(99) found a server")
	}
}

func TestHTTPSourceLoad(t *testing.T) {
	body := `[
		{"url":"http://a.example.net:8080/speedtest/upload.php","lat":"50.1","lon":"8.6","distance":12,"name":"Frankfurt","country":"Germany","cc":"DE","sponsor":"A","id":"100","host":"a.example.net:8080"},
		{"url":"","name":"broken","id":"101"},
		{"url":"http://b.example.net:8080/speedtest/upload.php","distance":30,"name":"Berlin","country":"Germany","cc":"DE","sponsor":"B","id":"102","host":"b.example.net:8080"}
	]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New(HTTPSource{URL: srv.URL}, discardLogger())
	servers, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := ids(servers); !reflect.DeepEqual(got, []string{"100", "102"}) {
		t.Errorf("Load() ids = %v, want [100 102]", got)
	}
	if s, _ := c.ByID("100"); s.CountryCode != "DE" || s.Distance != 12 || s.Host != "a.example.net:8080" {
		t.Errorf("ByID(100) = %+v", s)
	}
	if !c.Loaded() {
		t.Errorf("Loaded() = false after Load")
	}
}

type flakySource struct {
	failures int
	calls    int
}

func (f *flakySource) FetchServers(ctx context.Context) ([]models.Server, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection refused")
	}
	return testServers[:2], nil
}

func TestLoadRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantErr   bool
		wantCalls int
	}{
		{name: "First try", failures: 0, wantCalls: 1},
		{name: "Recovers on last attempt", failures: 2, wantCalls: 3},
		{name: "Unavailable", failures: 5, wantErr: true, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &flakySource{failures: tt.failures}
			c := New(src, discardLogger())
			c.retryDelay = 0

			_, err := c.Load(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrCatalogUnavailable) {
				t.Errorf("Load() error = %v, want ErrCatalogUnavailable", err)
			}
			if src.calls != tt.wantCalls {
				t.Errorf("source called %d times, want %d", src.calls, tt.wantCalls)
			}
		})
	}
}

func TestLoadBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	c := New(HTTPSource{URL: srv.URL}, discardLogger())
	c.retryDelay = 0
	if _, err := c.Load(context.Background()); !errors.Is(err, ErrCatalogUnavailable) {
		t.Errorf("Load() error = %v, want ErrCatalogUnavailable", err)
	}
}

type memStore struct {
	servers []models.Server
	err     error
}

func (m memStore) GetAllServers(ctx context.Context) ([]models.Server, error) {
	return m.servers, m.err
}

func TestLoadFallsBackToStoredServers(t *testing.T) {
	tests := []struct {
		name    string
		store   memStore
		wantIDs []string
		wantErr bool
	}{
		{name: "Stored servers", store: memStore{servers: testServers[2:4]}, wantIDs: []string{"3", "4"}},
		{name: "Store empty", store: memStore{}, wantErr: true},
		{name: "Store failing", store: memStore{err: errors.New("connection refused")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &flakySource{failures: 5}
			c := New(src, discardLogger()).WithFallback(StoredSource{Store: tt.store})
			c.retryDelay = 0

			got, err := c.Load(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if src.calls != 3 {
				t.Errorf("primary called %d times, want 3", src.calls)
			}
			if err != nil {
				if !errors.Is(err, ErrCatalogUnavailable) {
					t.Errorf("Load() error = %v, want ErrCatalogUnavailable", err)
				}
				return
			}
			if !reflect.DeepEqual(ids(got), tt.wantIDs) {
				t.Errorf("Load() = %v, want %v", ids(got), tt.wantIDs)
			}
		})
	}
}

func TestFallbackUnusedWhenPrimaryRecovers(t *testing.T) {
	src := &flakySource{failures: 1}
	c := New(src, discardLogger()).WithFallback(StoredSource{Store: memStore{servers: testServers[4:]}})
	c.retryDelay = 0

	got, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := []string{"1", "2"}; !reflect.DeepEqual(ids(got), want) {
		t.Errorf("Load() = %v, want %v", ids(got), want)
	}
}
