// Package tenants resolves what an authenticated caller may do on a given
// tenant. It combines per-tenant membership roles, the system-admin override
// list, and API-key tenant scoping into a single effective permission.
package tenants
