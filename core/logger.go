package core

// Logger is any service that can log application events.
// args may carry errors, extra data (map[string]interface{}) and the Person the event relates to.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// Person identifies the authenticated user an event relates to.
type Person struct {
	ID       string
	Username string
	Email    string
}
