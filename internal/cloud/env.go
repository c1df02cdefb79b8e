package cloud

// EnvInjection carries the values that must reach every worker pod's
// environment so it reports completions through the correct endpoint
// instead of a status-only one — the historical defect spec.md §4.1 calls
// out by name.
type EnvInjection struct {
	WorkerID               string
	StoreURL               string
	StoreServiceRoleKey    string
	TaskCompletionEndpoint string
}

// ApplyEnvInjection returns a copy of spec with WORKER_ID, the store
// credentials, and the task-completion endpoint URL merged into Env,
// overriding any caller-supplied values with the same keys.
func ApplyEnvInjection(spec Spec, inj EnvInjection) Spec {
	env := make(map[string]string, len(spec.Env)+4)
	for k, v := range spec.Env {
		env[k] = v
	}
	env["WORKER_ID"] = inj.WorkerID
	env["SUPABASE_URL"] = inj.StoreURL
	env["SUPABASE_SERVICE_ROLE_KEY"] = inj.StoreServiceRoleKey
	env["TASK_COMPLETION_ENDPOINT"] = inj.TaskCompletionEndpoint
	spec.Env = env
	return spec
}
