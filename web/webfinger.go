package web

import (
	"encoding/json"
	"fmt"

	"github.com/ederbeen/gomphos/store"
	"github.com/ederbeen/gomphos/util"
)

// GetWebfinger builds the JRD for a local account. Resolution is by
// bare nickname; the caller strips the acct: prefix and our own domain
// suffix first.
func GetWebfinger(st *store.Store, nickname string, conf *util.AppConfig) (error, string) {
	if !st.HasAccount(nickname, conf.Conf.Domain) {
		return fmt.Errorf("no such account: %s", nickname), GetWebFingerNotFound()
	}

	jrd := map[string]interface{}{
		"subject": fmt.Sprintf("acct:%s@%s", nickname, conf.Conf.Domain),
		"links": []map[string]string{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": util.LocalActorURI(conf.Conf.Domain, nickname),
			},
		},
	}

	data, err := json.Marshal(jrd)
	if err != nil {
		return err, GetWebFingerNotFound()
	}
	return nil, string(data)
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
