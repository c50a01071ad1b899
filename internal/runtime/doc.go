// Package runtime abstracts the container engine the orchestrator delegates
// work to. The orchestrator only needs four capabilities: list live workers by
// naming convention, inspect one for its exit state, launch a detached worker,
// and sweep exited worker containers. The default implementation shells out to
// the docker CLI; tests substitute a scripted fake.
package runtime
