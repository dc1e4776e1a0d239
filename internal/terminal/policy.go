package terminal

// ShouldPersist decides whether a session is eligible to outlive the
// client that created it, given a launch configuration and the current
// persistent-sessions setting.
//
// Feature terminals never persist: their work is re-created by whatever
// drives them, so restoring the dead shell would only produce a stale
// tab. This holds regardless of the setting and regardless of whether
// the working directory is a local path or a remote-scheme locator. All
// other terminals follow the setting.
//
// Pure and deterministic. Callers re-evaluate it on every creation call
// because the setting can change between creations.
func ShouldPersist(cfg LaunchConfig, persistentSessionsEnabled bool) bool {
	if cfg.IsFeatureTerminal {
		return false
	}
	return persistentSessionsEnabled
}
