package service

// Values are raw JSON throughout, keys are gjson paths.

type SetRequest struct {
	Key   string `msgpack:"key" json:"key"`
	Value []byte `msgpack:"value" json:"value"`
}

type SetResponse struct{}

type GetRequest struct {
	Key string `msgpack:"key" json:"key"`
}

type GetResponse struct {
	Value []byte `msgpack:"value" json:"value"`
	Found bool   `msgpack:"found" json:"found"`
}

type DeleteCommand struct {
	Key string `msgpack:"key" json:"key"`
}

// KeyUpdated is pushed to every attached connection when a key changes.
type KeyUpdated struct {
	Key     string `msgpack:"key" json:"key"`
	Value   []byte `msgpack:"value" json:"value"`
	Deleted bool   `msgpack:"deleted" json:"deleted"`
}
