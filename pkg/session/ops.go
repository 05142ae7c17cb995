package session

// Operation names identify session calls on the wire and in diagnostics.
const (
	OpImportGeometry      = "import_geometry"
	OpConfigureSizing     = "configure_sizing"
	OpGenerateSurfaceMesh = "generate_surface_mesh"
	OpAddBoundaryLayers   = "add_boundary_layers"
	OpGenerateVolumeMesh  = "generate_volume_mesh"
	OpSaveMesh            = "save_mesh"

	OpLoadMesh          = "load_mesh"
	OpSetBoundary       = "set_boundary_condition"
	OpSetRelaxation     = "set_relaxation_factors"
	OpSetCFL            = "set_pseudo_transient_cfl"
	OpSetCurvature      = "set_curvature_correction"
	OpIterate           = "iterate"
	OpResiduals         = "residuals"
	OpForceCoefficients = "force_coefficients"
	OpProjectedArea     = "projected_area"
	OpYPlus             = "yplus"
	OpMeshQuality       = "mesh_quality"
	OpWriteCaseAndData  = "write_case_data"
)
