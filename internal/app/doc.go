// Package app composes the library service.
//
// The package sits above the domain models, stores and services and wires
// them into a running application:
//
//	internal/app/
//	├── application.go   # Application struct, wiring and lifecycle
//	├── domain/          # user, book and loan models
//	├── storage/         # store interfaces, memory and SQL implementations
//	├── services/        # accounts, catalog, circulation, sweeps, ...
//	├── session/         # signed session tokens
//	├── httpapi/         # HTTP routes and handlers
//	├── runtime/         # process runtime built from configuration
//	├── system/          # lifecycle manager
//	└── metrics/         # prometheus collectors
//
// Business rules live in the services; this package only constructs them
// from injected stores and options and owns the lifecycle manager that runs
// the background sweeps.
package app
