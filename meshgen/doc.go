// Package meshgen wraps the five external 3D generation services
// (Meshy, Tripo3D, Rodin, TRELLIS, Hunyuan3D) behind one capability
// contract and a memoizing registry.
//
// Every client exposes exactly: Submit, PollStatus, FetchDownloadLinks,
// FetchBytes, and a static Capabilities descriptor. URL-based image
// submission is preferred over raw bytes to avoid re-upload round
// trips. All transport and provider-reported errors are translated at
// this boundary into the fixed error kinds in the types package; no
// provider-specific detail leaks past it except as a message string.
package meshgen
