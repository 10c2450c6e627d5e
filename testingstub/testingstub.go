package testingstub

/*
T defines the subset of "testing.T" needed by the daemon's own self-test
routines. Most daemons keep their test routine in non-testing files so they
can be exercised from multiple packages; "testing" carries a package
initialiser that registers test-mode flags into the global flag set, which
is unnecessary outside of "go test". This interface avoids triggering it.
*/
type T interface {
	Helper()
	Error(...interface{})
	Errorf(string, ...interface{})
	Fatal(...interface{})
	Fatalf(string, ...interface{})
	Fail()
	FailNow()
	Failed() bool
	Log(...interface{})
	Logf(string, ...interface{})
	Skip(...interface{})
}
