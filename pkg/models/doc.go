/*
Package models defines the data structures shared by the catalog, the runner,
the scheduler and the sinks.

Core Types:

Server represents a speedtest endpoint:

	type Server struct {
		ID          string  // Catalog identifier, numeric in practice
		Host        string  // host:port of the endpoint
		Sponsor     string  // Operator of the server
		Name        string  // City or site name
		Country     string  // Country name as reported by the catalog
		CountryCode string  // ISO country code
		URL         string  // upload.php URL used for measurements
		Distance    float64 // Distance from the client in km
	}

MeasurementResult represents one completed test:

	type MeasurementResult struct {
		Timestamp    time.Time
		DownloadMbps float64
		UploadMbps   float64
		PingMs       float64
		Server       Server // snapshot, not a live reference
	}

Target is the active selection handed to the runner. It holds either a
catalog Server or a manual numeric id; the zero value selects the best
server by latency.

Database Integration:

Server and Measurement carry bun tags. Measurement stores the server fields
denormalized so that history survives catalog changes.

Thread Safety:

Values are immutable after construction and are passed by value between
goroutines.
*/
package models
