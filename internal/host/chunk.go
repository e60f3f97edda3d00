package host

// DefaultChunkSize is the payload ceiling for a single data message.
const DefaultChunkSize = 1024

// chunkPayload splits data into ceiling-sized chunks, preserving byte order.
// Payloads at or under the ceiling come back as a single chunk.
func chunkPayload(data []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if len(data) <= size {
		return [][]byte{data}
	}

	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	return append(chunks, data)
}
