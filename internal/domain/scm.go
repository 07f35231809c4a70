package domain

// SCMInfo identifies the repository a job was built from.
type SCMInfo struct {
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	RemoteURL string `json:"remoteUrl"`
	Branch    string `json:"branch,omitempty"`
	Commit    string `json:"commit,omitempty"`
}
