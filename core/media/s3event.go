package media

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ObjectRef points at one stored object
type ObjectRef struct {
	Bucket string
	Key    string
}

type s3Event struct {
	Event   string `json:"Event"`
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ParseS3Event decodes an S3 event notification. Object keys arrive URL
// encoded with "+" for spaces. Test events yield no references.
func ParseS3Event(body []byte) ([]ObjectRef, error) {
	var ev s3Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode s3 event: %w", err)
	}
	if ev.Event == "s3:TestEvent" {
		return nil, nil
	}

	refs := make([]ObjectRef, 0, len(ev.Records))
	for _, r := range ev.Records {
		if !strings.HasPrefix(r.EventName, "ObjectCreated") {
			continue
		}
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("decode object key %q: %w", r.S3.Object.Key, err)
		}
		refs = append(refs, ObjectRef{Bucket: r.S3.Bucket.Name, Key: key})
	}

	return refs, nil
}
