package model

// OnStart holds statements executed once before the API starts serving.
type OnStart struct {
	Queries []string `yaml:"query"`
}

// Config is the layout of a statement script, e.g.
//
//	onStart:
//	  query:
//	    - INSERT INTO loki VALUES (now(), map('app', 'seed'), 'hello')
//	query:
//	  - SELECT * FROM loki LIMIT 10
type Config struct {
	OnStart OnStart  `yaml:"onStart"`
	Queries []string `yaml:"query"`
}
