package config

// EnvPrefix namespaces every environment variable this service reads.
const EnvPrefix = "AVELINE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "AVELINE_DB_DSN"
	EnvDBHost = "AVELINE_DB_HOST"
	EnvDBUser = "AVELINE_DB_USER"
	EnvDBName = "AVELINE_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
