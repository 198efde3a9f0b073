package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServers(ICESource{JSON: `[
	  {"urls": "stun:stun.example.com:3478"},
	  {"urls": ["turn:turn.example.com:3478?transport=udp", " "], "username": "rdr", "credential": "pw"}
	]`})
	require.NoError(t, err)
	require.Len(t, servers, 2)

	assert.Equal(t, []string{"stun:stun.example.com:3478"}, servers[0].URLs)
	assert.Nil(t, servers[0].Credential)
	assert.Equal(t, []string{"turn:turn.example.com:3478?transport=udp"}, servers[1].URLs)
	assert.Equal(t, "rdr", servers[1].Username)
	assert.Equal(t, "pw", servers[1].Credential)
}

func TestParseICEServersJSONWinsOverURLLists(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServers(ICESource{
		JSON:     `[{"urls": ["stun:a.example.com"]}]`,
		STUNURLs: "stun:b.example.com",
	})
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "stun:a.example.com", servers[0].URLs[0])
}

func TestParseICEServersFromURLLists(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServers(ICESource{
		STUNURLs:       "stun:stun.example.com:3478, stuns:stun.example.com:5349",
		TURNURLs:       "turn:turn.example.com:3478?transport=udp",
		TURNUsername:   "rdr",
		TURNCredential: "pw",
	})
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Len(t, servers[0].URLs, 2)
	assert.Empty(t, servers[0].Username)
	assert.Equal(t, "pw", servers[1].Credential)
	assert.False(t, ICEServerHasTURNURL(servers[0]))
	assert.True(t, ICEServerHasTURNURL(servers[1]))
}

func TestParseICEServersMintedCredentials(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServers(ICESource{
		TURNURLs:          "turns:turn.example.com:5349",
		MintedCredentials: true,
	})
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Empty(t, servers[0].Username)
	assert.Nil(t, servers[0].Credential)

	servers, err = ParseICEServers(ICESource{
		JSON:              `[{"urls": "turn:turn.example.com:3478"}]`,
		MintedCredentials: true,
	})
	require.NoError(t, err)
	assert.Len(t, servers, 1)
}

func TestParseICEServersRejects(t *testing.T) {
	t.Parallel()

	cases := map[string]ICESource{
		"turn json without creds":  {JSON: `[{"urls": "turn:turn.example.com:3478"}]`},
		"turn list without creds":  {TURNURLs: "turn:turn.example.com:3478", TURNUsername: "rdr"},
		"unsupported scheme":       {STUNURLs: "http://stun.example.com"},
		"missing urls":             {JSON: `[{"username": "rdr"}]`},
		"unknown field":            {JSON: `[{"urls": "stun:a.example.com", "credentialType": "oauth"}]`},
		"not a list":               {JSON: `{"urls": "stun:a.example.com"}`},
		"urls wrong type":          {JSON: `[{"urls": 3}]`},
		"missing host":             {STUNURLs: "stun:"},
		"turn credential is blank": {JSON: `[{"urls": "turn:t.example.com", "username": "rdr", "credential": " "}]`},
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseICEServers(src)
			assert.Error(t, err)
		})
	}
}

func TestInvalidICEConfigDoesNotFailLoad(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envICEServersJSON: `[{"urls": "turn:turn.example.com:3478"}]`,
	}), nil)
	require.NoError(t, err)
	assert.Error(t, cfg.ICEConfigError())
	assert.Empty(t, cfg.ICEServers)
}
