package log

// Global vars related to the logger package
var (
	subLoggers = map[string]*SubLogger{}

	Global      *SubLogger
	ConfigMgr   *SubLogger
	SessionMgr  *SubLogger
	DispatchMgr *SubLogger
	DatabaseMgr *SubLogger
	PayoutMgr   *SubLogger
	EngineMgr   *SubLogger
)

// register all loggers at package init()
func init() {
	Global = registerNewSubLogger("LOG")
	ConfigMgr = registerNewSubLogger("CONFIG")
	SessionMgr = registerNewSubLogger("SESSION")
	DispatchMgr = registerNewSubLogger("DISPATCH")
	DatabaseMgr = registerNewSubLogger("DATABASE")
	PayoutMgr = registerNewSubLogger("PAYOUT")
	EngineMgr = registerNewSubLogger("ENGINE")
}
