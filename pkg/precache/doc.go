// Package precache installs the app shell into the shell namespace.
//
// After a version activation the shell namespace is empty; cache-first
// routes expect shell assets to be present, so the installer fetches the
// shell manifest up front with a bounded worker pool.
//
// Example usage:
//
//	installer := precache.NewInstaller(upstream, registry, "https://app.example.com", precache.DefaultConfig())
//	report, err := installer.Install(ctx, []string{"/", "/index.html", "/static/app.js"})
//
// The installer:
//   - Distributes URLs across a worker pool (default 6 workers)
//   - Bounds every fetch with a timeout
//   - Stores only storable (2xx, no no-store) responses
//   - Keeps going when single URLs fail and reports them all
package precache
