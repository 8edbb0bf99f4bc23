package common

type Mode string

const (
	ModeDeclarative     Mode = "DECLARATIVE"
	ModeFallbackObserve Mode = "FALLBACK-OBSERVE"
)
