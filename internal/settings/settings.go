package settings

import "fmt"

const (
	CmdName    = "xmem"
	ListenAddr = "0.0.0.0:8080"
	ServerURL  = "http://127.0.0.1:8080"
	EnvPrefix  = "XMEM"
)

var (
	PidFile             = fmt.Sprintf("/tmp/%s.pid", CmdName)
	LogFile             = fmt.Sprintf("/tmp/%s.log", CmdName)
	HealthCheckSockPath = fmt.Sprintf("/tmp/%s.sock", CmdName)
	DumpPath            = fmt.Sprintf("/tmp/%s-dump.json", CmdName)
	ObjectPath          = fmt.Sprintf("/usr/share/%s/%s.bpf.o", CmdName, CmdName)
)
