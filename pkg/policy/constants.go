package policy

// Role represents a caller role in the access control system
type Role string

const (
	RolePatient           Role = "patient"
	RoleNurse             Role = "nurse"
	RolePhysician         Role = "physician"
	RoleLabTechnician     Role = "lab_technician"
	RoleReceptionist      Role = "receptionist"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleAdministrator     Role = "administrator"
)

// Purpose represents the stated purpose of a PHI access request,
// following the HIPAA treatment/payment/operations taxonomy
type Purpose string

const (
	PurposeTreatment            Purpose = "treatment"
	PurposePayment              Purpose = "payment"
	PurposeHealthcareOperations Purpose = "healthcare_operations"
	PurposeResearch             Purpose = "research"
	PurposePublicHealth         Purpose = "public_health"
	PurposeLegalRequirement     Purpose = "legal_requirement"
)

// Denial reasons returned in AccessDecision.Reason
const (
	ReasonRoleNotAuthorized = "role not authorized for PHI access"
	ReasonInvalidPurpose    = "invalid purpose"
	ReasonConsentRequired   = "patient consent required for this purpose"
	ReasonOutsideMinimum    = "requested fields exceed minimum necessary set"
	ReasonNoFieldsRequested = "no fields requested"
	ReasonGranted           = "access granted"
	ReasonGrantedFiltered   = "access granted for authorized subset"
)
