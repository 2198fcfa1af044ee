package transport

// BuilderSchemas registers every message tag of the builder wire
// protocol (spec §4.5/§4.6/§6) against reg. Called through
// NewBuilderRegistry by internal/driver at startup; internal/juggler
// builds its own registry, since its HELLO carries only a slave-id.
func BuilderSchemas(reg *Registry) {
	reg.MustRegister(Schema{Tag: "HELLO", Fields: []Spec{
		{Name: "abi", Kind: KindString},
		{Name: "platform", Kind: KindString},
		{Name: "label", Kind: KindString},
		{Name: "os_info", Kind: KindString},
		{Name: "hardware_revision", Kind: KindString},
		{Name: "master_timeout", Kind: KindDuration},
		{Name: "protocol_version", Kind: KindInt},
	}})
	reg.MustRegister(Schema{Tag: "ACK", Fields: []Spec{
		{Name: "slave_id", Kind: KindString},
		{Name: "upstream_url", Kind: KindString},
	}})
	reg.MustRegister(Schema{Tag: "IDLE", Fields: []Spec{
		{Name: "stats", Kind: KindString},
	}})
	reg.MustRegister(Schema{Tag: "SLEEP"})
	reg.MustRegister(Schema{Tag: "DIE"})
	reg.MustRegister(Schema{Tag: "BYE"})
	reg.MustRegister(Schema{Tag: "BUILD", Fields: []Spec{
		{Name: "package", Kind: KindString},
		{Name: "version", Kind: KindString},
	}})
	reg.MustRegister(Schema{Tag: "BUSY", Fields: []Spec{
		{Name: "stats", Kind: KindString},
	}})
	reg.MustRegister(Schema{Tag: "CONT"})
	reg.MustRegister(Schema{Tag: "DONE"})
	reg.MustRegister(Schema{Tag: "BUILT", Fields: []Spec{
		{Name: "success", Kind: KindBool},
		{Name: "duration", Kind: KindDuration},
		{Name: "log", Kind: KindString},
		{Name: "files", Kind: KindArray, Elem: &Spec{Kind: KindString}},
		{Name: "hashes", Kind: KindArray, Elem: &Spec{Kind: KindString}},
		{Name: "sizes", Kind: KindArray, Elem: &Spec{Kind: KindInt}},
	}})
	reg.MustRegister(Schema{Tag: "SEND", Fields: []Spec{
		{Name: "filename", Kind: KindString},
	}})
	reg.MustRegister(Schema{Tag: "SENT", Fields: []Spec{
		{Name: "filename", Kind: KindString},
	}})
	reg.MustRegister(Schema{Tag: "FETCH", Fields: []Spec{
		{Name: "offset", Kind: KindInt},
		{Name: "length", Kind: KindInt},
	}})
	reg.MustRegister(Schema{Tag: "CHUNK", Fields: []Spec{
		{Name: "offset", Kind: KindInt},
		{Name: "data", Kind: KindBytes},
	}})
}

// NewBuilderRegistry returns a Registry preloaded with the builder
// wire protocol schemas.
func NewBuilderRegistry() *Registry {
	reg := NewRegistry()
	BuilderSchemas(reg)
	return reg
}
