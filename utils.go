package presence

import (
	"hash/fnv"
	"strings"
)

// channelPrefix returns the part of a channel name before the second "/".
// Channel names look like "/topic-reply/42"; the prefix ("/topic-reply")
// selects the config policy the channel lives under.
func channelPrefix(name string) string {
	if !strings.HasPrefix(name, "/") {
		return name
	}
	idx := strings.Index(name[1:], "/")
	if idx < 0 {
		return name
	}
	return name[:idx+1]
}

func consistentIndex(s string, numBuckets int) int {

	hash := fnv.New64a()
	hash.Write([]byte(s))
	key := hash.Sum64()

	var b int64 = -1
	var j int64

	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}

	return int(b)
}
