package config

// ConfigBackend is where non-secret keys persist between runs: UserDefaults
// on macOS, a JSON file elsewhere. A missing key reports ok == false.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Unset(key string) error
}
