package version

// Version is the current version of the phoneme recognizer
const Version = "0.3.0"

// UserAgent returns the User-Agent string for outbound HTTP requests
func UserAgent() string {
	return "phonemed/" + Version
}

// ServerHeader returns the Server header value for HTTP responses
func ServerHeader() string {
	return "phonemed/" + Version
}
