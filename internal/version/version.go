// Package version хранит сведения о сборке, которые проставляются через -ldflags.
package version

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

// GetCommit возвращает хеш коммита сборки.
func GetCommit() string { return commit }

// GetDate возвращает дату сборки.
func GetDate() string { return date }

// UserAgent: значение заголовка User-Agent для исходящих запросов к провайдерам.
func UserAgent() string { return "policyflow/" + version }
