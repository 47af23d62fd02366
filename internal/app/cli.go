package app

import (
	"github.com/alecthomas/kingpin"
)

var (
	// App provides the starting point for command parsing
	App = kingpin.New("feedmux", "Replicate many feeds over a single TCP port")

	// given holds the config keys of the flags set on the command line
	given = make(map[string]bool)

	// Addr is where the server listens
	Addr = track(App.Flag("addr", "The address to listen on"), "addr").String()
	// ConnectTo is the server address clients dial
	ConnectTo = track(App.Flag("connect", "The server address to connect to"), "connect").String()
	// Feeds is how many owner feeds to create
	Feeds = track(App.Flag("feeds", "How many feeds to create"), "feeds").Int()
	// Entry is the first entry of every feed we create
	Entry = track(App.Flag("entry", "The first entry appended to created feeds"), "entry").String()
	// HandshakeTimeout bounds how long the server waits for a handshake
	HandshakeTimeout = track(App.Flag("handshake-timeout", "How long to wait for a handshake, 0 for ever"), "handshake_timeout").Duration()
	// MaxSessions caps concurrent server sessions
	MaxSessions = track(App.Flag("max-sessions", "Concurrent sessions allowed, 0 for no limit"), "max_sessions").Int64()
	// Storage picks where reader feeds live
	Storage = track(App.Flag("storage", "Where served feeds are stored"), "storage").Enum("memory", "badger")
	// DataDir is where badger storage lives
	DataDir = track(App.Flag("data-dir", "The directory for badger storage"), "data_dir").String()
	// LogLevel is one of debug, info, warn or error
	LogLevel = track(App.Flag("log-level", "The minimum level to log"), "log_level").String()
	// LogJSON switches logs to JSON lines
	LogJSON = track(App.Flag("log-json", "Log as JSON"), "log_json").Bool()
	// MetricsAddr serves prometheus metrics when set
	MetricsAddr = track(App.Flag("metrics-addr", "The address to serve /metrics on"), "metrics_addr").String()

	// Serve handles the serve command
	Serve = App.Command("serve", "Serve feeds to connecting clients")
	// ServeKeys are the hex public keys of the feeds to serve
	ServeKeys = Serve.Arg("keys", "Hex public keys of the feeds to serve").Required().Strings()

	// Connect is the command for replicating new feeds with a server
	Connect = App.Command("connect", "Create feeds and replicate them with a server")

	// Demo runs a server and its clients in one process
	Demo = App.Command("demo", "Replicate feeds between a local server and client")
	// DemoTUI shows the demo in a terminal dashboard
	DemoTUI = Demo.Flag("tui", "Show a terminal dashboard").Bool()

	// ID prints the routing identifier of a key
	ID = App.Command("id", "Print the routing identifier of a public key")
	// IDKey is the hex public key
	IDKey = ID.Arg("key", "A hex public key").Required().String()
)

// track remembers when f is given, so that only those flags override config
func track(f *kingpin.FlagClause, key string) *kingpin.FlagClause {
	return f.Action(func(*kingpin.ParseContext) error {
		given[key] = true
		return nil
	})
}

// Overrides returns the config values set by flags on the command line
func Overrides() map[string]any {
	values := map[string]any{
		"addr":              *Addr,
		"connect":           *ConnectTo,
		"feeds":             *Feeds,
		"entry":             *Entry,
		"handshake_timeout": *HandshakeTimeout,
		"max_sessions":      *MaxSessions,
		"storage":           *Storage,
		"data_dir":          *DataDir,
		"log_level":         *LogLevel,
		"log_json":          *LogJSON,
		"metrics_addr":      *MetricsAddr,
	}
	out := make(map[string]any, len(given))
	for key := range given {
		out[key] = values[key]
	}
	return out
}
