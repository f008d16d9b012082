package server

// Config is the web front-end configuration.
type Config struct {
	// Address to listen on (e.g., ":8501")
	ListenAddr string

	// Title and Subtitle head the chat page.
	Title    string
	Subtitle string
}
