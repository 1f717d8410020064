package provider

import (
	"fmt"
	"sync"
)

type Namespace string

const (
	NamespaceJobs                      Namespace = "jobs"
	NamespaceFileCollections           Namespace = "files.collections"
	NamespaceShares                    Namespace = "shares"
	NamespaceSyncDevices               Namespace = "sync.devices"
	NamespaceSyncFolders               Namespace = "sync.folders"
	NamespaceMetadataTemplateNamespace Namespace = "files.metadataTemplates"
)

type Verb string

const (
	VerbCreate                 Verb = "create"
	VerbDelete                 Verb = "delete"
	VerbRename                 Verb = "rename"
	VerbVerify                 Verb = "verify"
	VerbUpdateAcl              Verb = "updateAcl"
	VerbRetrieveProducts       Verb = "retrieveProducts"
	VerbJobVerified            Verb = "jobVerified"
	VerbJobPrepared            Verb = "jobPrepared"
	VerbCleanup                Verb = "cleanup"
	VerbCancel                 Verb = "cancel"
	VerbFollow                 Verb = "follow"
	VerbTerminate              Verb = "terminate"
	VerbSuspend                Verb = "suspend"
	VerbExtend                 Verb = "extend"
	VerbOpenInteractiveSession Verb = "openInteractiveSession"
)

type Call struct {
	Namespace Namespace
	Verb      Verb
}

func (c Call) String() string {
	return fmt.Sprintf("%s.%s", c.Namespace, c.Verb)
}

func (c Call) Path() string {
	return fmt.Sprintf("/providers/%s/%s", c.Namespace, c.Verb)
}

// CallSpec describes how a call may be issued.
type CallSpec struct {
	Idempotent bool
	Streaming  bool
	// RequiresAnswer rejects a batch acknowledged with an empty body.
	RequiresAnswer bool
}

// CallRegistry is the set of calls the orchestrator is allowed to issue. It is
// filled at startup and read afterwards.
type CallRegistry struct {
	mu    sync.RWMutex
	calls map[Call]CallSpec
}

func NewCallRegistry() *CallRegistry {
	return &CallRegistry{calls: make(map[Call]CallSpec)}
}

func (r *CallRegistry) Register(ns Namespace, verb Verb, spec CallSpec) *CallRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[Call{Namespace: ns, Verb: verb}] = spec
	return r
}

func (r *CallRegistry) Resolve(ns Namespace, verb Verb) (CallSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, found := r.calls[Call{Namespace: ns, Verb: verb}]
	if !found {
		return CallSpec{}, fmt.Errorf("%w: %s.%s", ErrUnhandledCall, ns, verb)
	}
	return spec, nil
}

// NewDefaultCallRegistry registers the lifecycle verbs of every resource type and
// the job specific verbs.
func NewDefaultCallRegistry() *CallRegistry {
	r := NewCallRegistry()

	resources := []Namespace{
		NamespaceJobs,
		NamespaceFileCollections,
		NamespaceShares,
		NamespaceSyncDevices,
		NamespaceSyncFolders,
		NamespaceMetadataTemplateNamespace,
	}
	for _, ns := range resources {
		r.Register(ns, VerbCreate, CallSpec{}).
			Register(ns, VerbDelete, CallSpec{}).
			Register(ns, VerbRename, CallSpec{}).
			Register(ns, VerbUpdateAcl, CallSpec{}).
			Register(ns, VerbVerify, CallSpec{Idempotent: true, RequiresAnswer: true}).
			Register(ns, VerbRetrieveProducts, CallSpec{Idempotent: true})
	}

	r.Register(NamespaceJobs, VerbJobVerified, CallSpec{}).
		Register(NamespaceJobs, VerbJobPrepared, CallSpec{}).
		Register(NamespaceJobs, VerbCleanup, CallSpec{}).
		Register(NamespaceJobs, VerbCancel, CallSpec{}).
		Register(NamespaceJobs, VerbFollow, CallSpec{Idempotent: true, Streaming: true, RequiresAnswer: true}).
		Register(NamespaceJobs, VerbTerminate, CallSpec{}).
		Register(NamespaceJobs, VerbSuspend, CallSpec{}).
		Register(NamespaceJobs, VerbExtend, CallSpec{}).
		Register(NamespaceJobs, VerbOpenInteractiveSession, CallSpec{})

	return r
}
