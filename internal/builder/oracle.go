package builder

// outdatednessCheck implements the §4.4 decision procedure: the first
// matching reason wins. It returns whether c is outdated and a
// human-readable reason suitable for a why-rebuilt explanation channel.
func outdatednessCheck(c *Command, cfg *Config) (bool, string, error) {
	fs := cfg.Files

	if fs != nil {
		changed := fs.IsChanged(c.Program)
		for _, p := range c.Inputs() {
			changed = fs.IsChanged(p) || changed
		}
		for _, p := range c.Outputs() {
			changed = fs.IsChanged(p) || changed
		}
		if changed {
			return true, "I/O file changed", nil
		}
	}

	fp, err := c.Fingerprint()
	if err != nil {
		return false, "", err
	}

	storedHash, known := uint64(0), false
	if cfg.Commands != nil {
		storedHash, known = cfg.Commands.Load(fp)
	}
	if !known {
		return true, "new command", nil
	}

	if c.AlwaysRun {
		return true, "always", nil
	}

	if cfg.OutdatednessMode == OutdatednessModeFilesHash {
		recomputed, err := c.FilesHash()
		if err != nil {
			return false, "", err
		}
		if recomputed != storedHash {
			return true, "files hash mismatch", nil
		}
	}

	return false, "ok", nil
}
